// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import "fmt"

// Command is the command byte of a frame.
type Command uint8

const (
	Read             Command = 0x01
	Write            Command = 0x02
	LongWrite        Command = 0x03
	Response         Command = 0x05
	LongResponse     Command = 0x06
	ReadPeriodically Command = 0x08
)

// Valid reports whether c is a command known to the bus.
func (c Command) Valid() bool {
	switch c {
	case Read, Write, LongWrite, Response, LongResponse, ReadPeriodically:
		return true
	default:
		return false
	}
}

// IsLong reports whether the length field of c is two bytes wide.
func (c Command) IsLong() bool {
	return c == LongWrite || c == LongResponse
}

// IsResponse reports whether c is sent by the device in reply to a request.
func (c Command) IsResponse() bool {
	return c == Response || c == LongResponse
}

func (c Command) lengthSize() int {
	if c.IsLong() {
		return 2
	}
	return 1
}

func (c Command) String() string {
	switch c {
	case Read:
		return "read"
	case Write:
		return "write"
	case LongWrite:
		return "long_write"
	case Response:
		return "response"
	case LongResponse:
		return "long_response"
	case ReadPeriodically:
		return "read_periodically"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(c))
	}
}
