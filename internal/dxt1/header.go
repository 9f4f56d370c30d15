// Package dxt1 implements the exact DDS/DXT1 block layout: a 128-byte
// header followed by 8-byte 4x4 blocks in row-major block order, two
// RGB565 endpoints per block and a 32-bit selector word.
package dxt1

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed length, in bytes, of a DDS header including its
// 4-byte magic.
const HeaderSize = 128

const (
	magic        = "DDS "
	ddsHeaderLen = 124
	ddpfFourCC   = 0x4
	ddscapsTex   = 0x1000
	fourCCDXT1   = "DXT1"
)

// Header mirrors the on-disk DDS header fields.
type Header struct {
	Size        uint32
	Flags       uint32
	Height      uint32
	Width       uint32
	PitchOrSize uint32
	Depth       uint32
	MipMapCount uint32
	FourCC      string
	Caps        uint32
}

// writeHeader writes the 128-byte header for an image of the given pixel
// dimensions into buf (which must be at least HeaderSize bytes).
func writeHeader(buf []byte, width, height int) {
	for i := range buf[:HeaderSize] {
		buf[i] = 0
	}
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], ddsHeaderLen)
	binary.LittleEndian.PutUint32(buf[8:12], 0x1|0x2|0x4|0x1000|0x80000) // CAPS|HEIGHT|WIDTH|PIXELFORMAT|LINEARSIZE
	binary.LittleEndian.PutUint32(buf[12:16], uint32(height))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(width))
	pitch := blockCountX(width) * blockCountY(height) * 8
	binary.LittleEndian.PutUint32(buf[20:24], uint32(pitch))
	binary.LittleEndian.PutUint32(buf[24:28], 0) // depth
	binary.LittleEndian.PutUint32(buf[28:32], 1) // mip_count

	// 44 reserved bytes: buf[32:76]

	// pixel format block: offset 76, size 32
	pf := buf[76:108]
	binary.LittleEndian.PutUint32(pf[0:4], 32)
	binary.LittleEndian.PutUint32(pf[4:8], ddpfFourCC)
	copy(pf[8:12], fourCCDXT1)
	// remaining 20 bytes (RGB bit masks) stay zero for a compressed format

	binary.LittleEndian.PutUint32(buf[108:112], ddscapsTex)
	// buf[112:128] caps2/3/4 + reserved stay zero
}

// readHeader parses width/height from a DDS buffer's fixed offsets
// (height at byte offset 12, width at 16, little-endian).
func readHeader(buf []byte) (width, height int, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, fmt.Errorf("dxt1: buffer shorter than header (%d bytes)", len(buf))
	}
	if string(buf[0:4]) != magic {
		return 0, 0, fmt.Errorf("dxt1: bad magic %q", buf[0:4])
	}
	height = int(binary.LittleEndian.Uint32(buf[12:16]))
	width = int(binary.LittleEndian.Uint32(buf[16:20]))
	fourCC := string(buf[84:88])
	if fourCC != fourCCDXT1 {
		return 0, 0, fmt.Errorf("dxt1: unsupported FourCC %q", fourCC)
	}
	return width, height, nil
}

func blockCountX(width int) int  { return (width + 3) / 4 }
func blockCountY(height int) int { return (height + 3) / 4 }

// ExpectedLength returns 128 + (w/4)*(h/4)*8, the byte-exact length of a
// well-formed DDS/DXT1 file for the given pixel dimensions.
func ExpectedLength(width, height int) int {
	return HeaderSize + blockCountX(width)*blockCountY(height)*8
}
