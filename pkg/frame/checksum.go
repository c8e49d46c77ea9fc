// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import "github.com/sigurn/crc16"

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Checksum returns the CRC-16 (poly 0x1021, init 0xFFFF, MSB first) of data.
// Odd-length input is padded with a single zero byte for the computation only.
func Checksum(data []byte) uint16 {
	crc := crc16.Init(crcTable)
	crc = crc16.Update(crc, data, crcTable)
	if len(data)%2 == 1 {
		crc = crc16.Update(crc, []byte{0}, crcTable)
	}
	return crc16.Complete(crc, crcTable)
}
