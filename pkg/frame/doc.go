// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the byte-stuffed, checksummed framing used on the
// inverter control bus.
//
// # Wire Format
//
//	START(1) CMD(1) LEN(1|2) ID(4) [PAYLOAD(N)] CRC(2)
//
// START is 0x2B. LEN is two bytes for long commands (LongWrite, LongResponse)
// and one byte otherwise; its value is 4 plus the payload length. Multi-byte
// fields are big-endian.
//
// # Byte Stuffing
//
// Every 0x2B or 0x2D after the leading START byte is sent as 0x2D followed by
// the literal byte. The receiver drops each 0x2D and takes the next byte as
// data. The CRC covers the unescaped bytes from CMD through the end of PAYLOAD.
//
// # Streaming
//
// Parser.Parse decodes at most one frame from an arbitrarily positioned buffer
// and reports how many leading bytes the caller may discard:
//
//	for {
//		f, n := p.Parse(buf)
//		buf = buf[n:]
//		if f == nil {
//			break
//		}
//		handle(f)
//	}
//
// Frame.Raw keeps the escaped bytes exactly as received so they can be
// forwarded without re-encoding.
package frame
