// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("invalid hex %q: %v", s, err)
	}
	return b
}

func mustID(t *testing.T, s string) ID {
	t.Helper()
	var id ID
	copy(id[:], mustHex(t, s))
	return id
}

func quietParser() *Parser {
	return &Parser{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestCommand_Predicates(t *testing.T) {
	tests := []struct {
		cmd        Command
		isLong     bool
		isResponse bool
	}{
		{Read, false, false},
		{Write, false, false},
		{LongWrite, true, false},
		{Response, false, true},
		{LongResponse, true, true},
		{ReadPeriodically, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			if !tt.cmd.Valid() {
				t.Errorf("Valid() = false")
			}
			if got := tt.cmd.IsLong(); got != tt.isLong {
				t.Errorf("IsLong() = %v, want %v", got, tt.isLong)
			}
			if got := tt.cmd.IsResponse(); got != tt.isResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.isResponse)
			}
		})
	}

	if Command(0x07).Valid() {
		t.Error("Expected 0x07 to be invalid")
	}
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		input string
		want  uint16
	}{
		{"01 04 a5 9c 84 28", 60395},
		{"05 08 a5 9c 84 28 00 00 00 00", 53776},
		{"01 04 2b c1 e7 2b", 58892},
		{"05 08 2b c1 e7 2b 00 00 00 00", 52791},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Checksum(mustHex(t, tt.input)); got != tt.want {
				t.Errorf("Checksum() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestChecksum_OddLengthPadding(t *testing.T) {
	odd := mustHex(t, "01 04 a5 9c 84")
	padded := mustHex(t, "01 04 a5 9c 84 00")
	if Checksum(odd) != Checksum(padded) {
		t.Errorf("Expected odd input to be checksummed with a zero pad byte")
	}
}

func TestParser_Parse(t *testing.T) {
	tests := []struct {
		name    string
		buffer  string
		cmd     Command
		id      string
		payload string
	}{
		{"read", "2b 01 04 a5 9c 84 28 eb eb", Read, "a5 9c 84 28", ""},
		{"response", "2b 05 08 a5 9c 84 28 00 00 00 00 d2 10", Response, "a5 9c 84 28", "00 00 00 00"},
		{"read with escapes", "2b 01 04 2d 2b c1 e7 2d 2b e6 0c", Read, "2b c1 e7 2b", ""},
		{"response with escapes", "2b 05 08 2d 2b c1 e7 2d 2b 00 00 00 00 ce 37", Response, "2b c1 e7 2b", "00 00 00 00"},
		{"read battery power", "2b 01 04 40 0f 01 5b 58 b4", Read, "40 0f 01 5b", ""},
		{"read inverter ac power", "2b 01 04 db 2d 2d 69 ae 55 ab", Read, "db 2d 69 ae", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := mustHex(t, tt.buffer)
			f, n := quietParser().Parse(buf)
			if f == nil {
				t.Fatal("Expected a frame")
			}
			if f.Command != tt.cmd {
				t.Errorf("Command = %s, want %s", f.Command, tt.cmd)
			}
			if f.ID != mustID(t, tt.id) {
				t.Errorf("ID = %s, want %s", f.ID, tt.id)
			}
			if tt.payload == "" {
				if f.Payload != nil {
					t.Errorf("Payload = %x, want nil", f.Payload)
				}
			} else if !bytes.Equal(f.Payload, mustHex(t, tt.payload)) {
				t.Errorf("Payload = %x, want %s", f.Payload, tt.payload)
			}
			if !bytes.Equal(f.Raw, buf) {
				t.Errorf("Raw = %x, want %x", f.Raw, buf)
			}
			if n != len(buf) {
				t.Errorf("consumed = %d, want %d", n, len(buf))
			}
		})
	}
}

func TestParser_PartialBuffer(t *testing.T) {
	tests := []struct {
		name     string
		buffer   string
		isFrame  bool
		consumed int
		raw      string
	}{
		{"no start byte", "00 00", false, 0, ""},
		{"escaped start byte", "00 00 2d 2b 00 00", false, 0, ""},
		{"incomplete frame", "00 00 2b 01 04 a5", false, 2, ""},
		{"leading garbage", "00 00 2b 01 04 a5 9c 84 28 eb eb", true, 11, "2b 01 04 a5 9c 84 28 eb eb"},
		{"second frame incomplete", "00 00 2b 01 04 a5 9c 84 28 eb eb 2b 01 04", true, 11, "2b 01 04 a5 9c 84 28 eb eb"},
		{"two complete frames", "00 00 2b 01 04 a5 9c 84 28 eb eb 2b 01 04 a5 9c 84 28 eb eb", true, 11, "2b 01 04 a5 9c 84 28 eb eb"},
		{"invalid checksum", "00 00 2b 01 04 a5 9c 84 28 eb ff", false, 11, ""},
		{"invalid checksum then frame", "2b 01 04 a5 9c 84 28 eb ff 2b 01 04 a5 9c 84 28 eb eb", true, 18, "2b 01 04 a5 9c 84 28 eb eb"},
		{"invalid checksum then partial", "2b 01 04 a5 9c 84 28 eb ff 00 2b 01", false, 10, ""},
		{"unknown command", "2b 07 2b 01 04 a5 9c 84 28 eb eb", true, 11, "2b 01 04 a5 9c 84 28 eb eb"},
		{"unknown command only", "2b 07 00", false, 1, ""},
		{"length too short", "2b 01 02 2b 01 04 a5 9c 84 28 eb eb", true, 12, "2b 01 04 a5 9c 84 28 eb eb"},
		{"pending escape at end", "2b 01 04 a5 2d", false, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, n := quietParser().Parse(mustHex(t, tt.buffer))
			if (f != nil) != tt.isFrame {
				t.Fatalf("frame = %v, want frame: %v", f, tt.isFrame)
			}
			if n != tt.consumed {
				t.Errorf("consumed = %d, want %d", n, tt.consumed)
			}
			if f != nil && !bytes.Equal(f.Raw, mustHex(t, tt.raw)) {
				t.Errorf("Raw = %x, want %s", f.Raw, tt.raw)
			}
		})
	}
}

func TestParser_OnMalformed(t *testing.T) {
	var reasons []string
	p := quietParser()
	p.OnMalformed = func(reason string, raw []byte) {
		reasons = append(reasons, reason)
	}

	p.Parse(mustHex(t, "2b 07 00 2b 01 04 a5 9c 84 28 eb ff"))

	if len(reasons) != 2 || reasons[0] != ReasonCommand || reasons[1] != ReasonChecksum {
		t.Errorf("reasons = %v, want [%s %s]", reasons, ReasonCommand, ReasonChecksum)
	}
}

// TestParser_Fragmented feeds a stream one byte at a time the way a
// connection session does and checks every frame comes out exactly once.
func TestParser_Fragmented(t *testing.T) {
	stream := mustHex(t, "00 2b 01 04 2d 2b c1 e7 2d 2b e6 0c ff 2b 01 04 a5 9c 84 28 eb ff 2b 05 08 a5 9c 84 28 00 00 00 00 d2 10")
	p := quietParser()

	var (
		buf    []byte
		frames []*Frame
	)
	for _, b := range stream {
		buf = append(buf, b)
		for {
			f, n := p.Parse(buf)
			buf = buf[n:]
			if f == nil {
				break
			}
			frames = append(frames, f)
		}
	}

	if len(frames) != 2 {
		t.Fatalf("decoded %d frames, want 2", len(frames))
	}
	if frames[0].Command != Read || frames[0].ID != mustID(t, "2b c1 e7 2b") {
		t.Errorf("first frame = %s %s", frames[0].Command, frames[0].ID)
	}
	if frames[1].Command != Response || !bytes.Equal(frames[1].Payload, []byte{0, 0, 0, 0}) {
		t.Errorf("second frame = %s %x", frames[1].Command, frames[1].Payload)
	}
	if len(buf) != 0 {
		t.Errorf("leftover buffer = %x, want empty", buf)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		id      string
		payload string
		want    string
	}{
		{"read", Read, "a5 9c 84 28", "", "2b 01 04 a5 9c 84 28 eb eb"},
		{"read with escapes", Read, "2b c1 e7 2b", "", "2b 01 04 2d 2b c1 e7 2d 2b e6 0c"},
		{"response", Response, "a5 9c 84 28", "00 00 00 00", "2b 05 08 a5 9c 84 28 00 00 00 00 d2 10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload []byte
			if tt.payload != "" {
				payload = mustHex(t, tt.payload)
			}
			got, err := Encode(tt.cmd, mustID(t, tt.id), payload)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(got, mustHex(t, tt.want)) {
				t.Errorf("Encode() = %s, want %s", Hex(got), tt.want)
			}
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte{0x2b, 0x2d, 0x00, 0xff}, 100)
	tests := []struct {
		name    string
		cmd     Command
		id      ID
		payload []byte
	}{
		{"read", Read, ID{0x01, 0x02, 0x03, 0x04}, nil},
		{"write", Write, ID{0x2d, 0x2d, 0x2b, 0x2b}, []byte{0x41, 0x20, 0x00, 0x00}},
		{"read periodically", ReadPeriodically, ID{0xdb, 0x2d, 0x69, 0xae}, nil},
		{"long write", LongWrite, ID{0x2b, 0x00, 0x00, 0x2d}, long},
		{"long response", LongResponse, ID{0xaa, 0xbb, 0xcc, 0xdd}, long},
		{"response", Response, ID{0x2b, 0xc1, 0xe7, 0x2b}, []byte{0x2b}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, err := New(tt.cmd, tt.id, tt.payload)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			got, n := quietParser().Parse(want.Raw)
			if got == nil {
				t.Fatal("Expected a frame")
			}
			if n != len(want.Raw) {
				t.Errorf("consumed = %d, want %d", n, len(want.Raw))
			}
			if !bytes.Equal(got.Raw, want.Raw) {
				t.Errorf("Raw = %x, want %x", got.Raw, want.Raw)
			}
			if got.Command != tt.cmd || got.ID != tt.id || !bytes.Equal(got.Payload, tt.payload) {
				t.Errorf("decoded = %s %s %x", got.Command, got.ID, got.Payload)
			}
		})
	}
}

func TestEncode_Errors(t *testing.T) {
	if _, err := Encode(Command(0x07), ID{}, nil); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("Encode() error = %v, want %v", err, ErrInvalidCommand)
	}
	if _, err := Encode(Write, ID{}, make([]byte, MaxShortPayloadSize+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Encode() error = %v, want %v", err, ErrPayloadTooLarge)
	}
	if _, err := Encode(LongWrite, ID{}, make([]byte, MaxShortPayloadSize+1)); err != nil {
		t.Errorf("Encode() long error = %v", err)
	}
}

func TestParseID(t *testing.T) {
	want := ID{0xa5, 0x9c, 0x84, 0x28}
	for _, s := range []string{"a59c8428", "0xA59C8428", "a5 9c 84 28"} {
		got, err := ParseID(s)
		if err != nil {
			t.Errorf("ParseID(%q) error = %v", s, err)
			continue
		}
		if got != want {
			t.Errorf("ParseID(%q) = %s, want %s", s, got, want)
		}
	}
	for _, s := range []string{"", "a59c84", "a59c842800", "zz9c8428"} {
		if _, err := ParseID(s); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ParseID(%q) error = %v, want %v", s, err, ErrInvalidID)
		}
	}
}
