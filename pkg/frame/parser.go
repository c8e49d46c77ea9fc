// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"encoding/binary"
	"log/slog"
)

// Malformed frame reasons passed to Parser.OnMalformed.
const (
	ReasonChecksum = "checksum"
	ReasonCommand  = "command"
	ReasonLength   = "length"
)

type state int

const (
	stateStart state = iota
	stateCommand
	stateLength
	stateID
	stateData
	stateCRC
	stateDone
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateCommand:
		return "command"
	case stateLength:
		return "length"
	case stateID:
		return "id"
	case stateData:
		return "data"
	case stateCRC:
		return "crc"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// outcome is the result of feeding one unescaped byte to a state.
type outcome int

const (
	needMore outcome = iota
	advance
	malformed
	complete
)

// decoder holds the progress of a single candidate frame.
type decoder struct {
	state   state
	escaped bool
	// start is the offset of the START byte in the parsed buffer.
	start int
	// body holds the unescaped bytes after START.
	body []byte
	// mark is the offset in body where the current field begins.
	mark int

	cmd        Command
	id         ID
	dataLength int
	dataStart  int

	reason   string
	checksum uint16
}

func (d *decoder) begin(offset int) {
	d.state = stateCommand
	d.start = offset
}

func (d *decoder) step(b byte) outcome {
	d.body = append(d.body, b)
	switch d.state {
	case stateCommand:
		return d.onCommand()
	case stateLength:
		return d.onLength()
	case stateID:
		return d.onID()
	case stateData:
		return d.onData()
	case stateCRC:
		return d.onCRC()
	default:
		panic("frame: step in state " + d.state.String())
	}
}

func (d *decoder) field() []byte {
	return d.body[d.mark:]
}

func (d *decoder) next(s state) outcome {
	d.state = s
	d.mark = len(d.body)
	return advance
}

func (d *decoder) fail(reason string) outcome {
	d.reason = reason
	return malformed
}

func (d *decoder) onCommand() outcome {
	d.cmd = Command(d.body[0])
	if !d.cmd.Valid() {
		return d.fail(ReasonCommand)
	}
	return d.next(stateLength)
}

func (d *decoder) onLength() outcome {
	f := d.field()
	if len(f) < d.cmd.lengthSize() {
		return needMore
	}
	var length int
	if d.cmd.IsLong() {
		length = int(binary.BigEndian.Uint16(f))
	} else {
		length = int(f[0])
	}
	if length < idSize {
		return d.fail(ReasonLength)
	}
	d.dataLength = length - idSize
	return d.next(stateID)
}

func (d *decoder) onID() outcome {
	f := d.field()
	if len(f) < idSize {
		return needMore
	}
	copy(d.id[:], f)
	if d.dataLength > 0 {
		d.dataStart = len(d.body)
		return d.next(stateData)
	}
	return d.next(stateCRC)
}

func (d *decoder) onData() outcome {
	if len(d.field()) < d.dataLength {
		return needMore
	}
	return d.next(stateCRC)
}

func (d *decoder) onCRC() outcome {
	f := d.field()
	if len(f) < crcSize {
		return needMore
	}
	d.checksum = Checksum(d.body[:d.mark])
	if binary.BigEndian.Uint16(f) != d.checksum {
		return d.fail(ReasonChecksum)
	}
	d.state = stateDone
	return complete
}

func (d *decoder) frame(raw []byte) *Frame {
	f := &Frame{
		Command: d.cmd,
		ID:      d.id,
		Raw:     append([]byte(nil), raw...),
	}
	if d.dataLength > 0 {
		f.Payload = append([]byte(nil), d.body[d.dataStart:d.dataStart+d.dataLength]...)
	}
	return f
}

// Parser decodes frames from a byte stream. The zero value is ready to use.
// Parser keeps no state between calls.
type Parser struct {
	// Logger receives a warning for every malformed frame.
	Logger *slog.Logger
	// OnMalformed, if set, is called with the reason and the escaped bytes of
	// every discarded frame.
	OnMalformed func(reason string, raw []byte)
}

// Parse decodes at most one frame from buf.
//
// On success it returns the frame and the number of bytes consumed, counting
// any leading bytes that preceded the frame. Otherwise it returns nil and the
// number of leading bytes that cannot belong to a frame: the offset of an
// incomplete frame's START byte, the end of the last malformed frame, or 0
// when no START byte was found.
func (p *Parser) Parse(buf []byte) (*Frame, int) {
	var d decoder
	resume := 0
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if d.escaped {
			d.escaped = false
			if d.state == stateStart {
				continue
			}
		} else if b == EscapeByte {
			d.escaped = true
			continue
		}

		if d.state == stateStart {
			if b == StartByte {
				d.begin(i)
			}
			continue
		}

		switch d.step(b) {
		case needMore, advance:
			continue
		case complete:
			return d.frame(buf[d.start : i+1]), i + 1
		case malformed:
			p.malformed(d, buf[d.start:i+1])
			if d.reason == ReasonChecksum {
				// The whole frame was read: skip past it.
				resume = i + 1
			} else {
				// The header is unusable: rescan from the byte after START.
				resume = d.start + 1
				i = d.start
			}
			d = decoder{}
		}
	}
	if d.state != stateStart {
		return nil, d.start
	}
	return nil, resume
}

func (p *Parser) malformed(d decoder, raw []byte) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch d.reason {
	case ReasonChecksum:
		logger.Warn("invalid frame checksum",
			slog.String("raw", Hex(raw)),
			slog.Int("checksum", int(d.checksum)))
	default:
		logger.Warn("invalid frame header",
			slog.String("reason", d.reason),
			slog.String("raw", Hex(raw)))
	}
	if p.OnMalformed != nil {
		p.OnMalformed(d.reason, raw)
	}
}
