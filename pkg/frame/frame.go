// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// StartByte marks the beginning of a frame.
	StartByte byte = 0x2B
	// EscapeByte precedes every literal StartByte or EscapeByte inside a frame.
	EscapeByte byte = 0x2D

	idSize  = 4
	crcSize = 2

	// MaxPayloadSize is the largest payload a long command can carry.
	MaxPayloadSize = 0xFFFF - idSize
	// MaxShortPayloadSize is the largest payload a short command can carry.
	MaxShortPayloadSize = 0xFF - idSize
)

var (
	// ErrInvalidCommand is returned when encoding a command unknown to the bus.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrPayloadTooLarge is returned when a payload does not fit the length field.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidID is returned by ParseID for text that is not four hex bytes.
	ErrInvalidID = errors.New("invalid object id")
)

// ID addresses a register or measurement on the device.
type ID [idSize]byte

// String returns the id as space separated hex bytes.
func (id ID) String() string {
	return Hex(id[:])
}

// ParseID parses an id written as eight hex digits, optionally prefixed
// with 0x and separated by spaces ("0xA59C8428", "a5 9c 84 28").
func ParseID(s string) (ID, error) {
	var id ID
	text := strings.ReplaceAll(s, " ", "")
	text = strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X")
	b, err := hex.DecodeString(text)
	if err != nil || len(b) != idSize {
		return id, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	copy(id[:], b)
	return id, nil
}

// Frame is one decoded protocol message. Frames are treated as immutable.
type Frame struct {
	Command Command
	ID      ID
	// Payload is nil when the frame carries no data.
	Payload []byte
	// Raw is the escaped wire form from START through CRC.
	Raw []byte
}

// New builds a frame and its wire form.
func New(cmd Command, id ID, payload []byte) (*Frame, error) {
	raw, err := Encode(cmd, id, payload)
	if err != nil {
		return nil, err
	}
	var data []byte
	if len(payload) > 0 {
		data = append([]byte(nil), payload...)
	}
	return &Frame{
		Command: cmd,
		ID:      id,
		Payload: data,
		Raw:     raw,
	}, nil
}

// Encode returns the escaped wire form of a frame.
func Encode(cmd Command, id ID, payload []byte) ([]byte, error) {
	if !cmd.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, cmd)
	}
	limit := MaxShortPayloadSize
	if cmd.IsLong() {
		limit = MaxPayloadSize
	}
	if len(payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrPayloadTooLarge, len(payload), cmd)
	}

	body := make([]byte, 0, 1+cmd.lengthSize()+idSize+len(payload))
	body = append(body, byte(cmd))
	length := idSize + len(payload)
	if cmd.IsLong() {
		body = binary.BigEndian.AppendUint16(body, uint16(length))
	} else {
		body = append(body, byte(length))
	}
	body = append(body, id[:]...)
	body = append(body, payload...)
	body = binary.BigEndian.AppendUint16(body, Checksum(body))

	raw := make([]byte, 0, 1+2*len(body))
	raw = append(raw, StartByte)
	for _, b := range body {
		if b == StartByte || b == EscapeByte {
			raw = append(raw, EscapeByte)
		}
		raw = append(raw, b)
	}
	return raw, nil
}

// Hex formats b as space separated lowercase hex bytes.
func Hex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out := make([]byte, 0, len(b)*3-1)
	for i, c := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = hex.AppendEncode(out, []byte{c})
	}
	return string(out)
}
