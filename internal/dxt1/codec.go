package dxt1

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"os"
)

// Encode compresses img to a complete DDS/DXT1 byte stream: a 128-byte
// header followed by one 8-byte block per 4x4 pixel cell, in row-major
// block order.
func Encode(img image.Image) ([]byte, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width%4 != 0 || height%4 != 0 {
		return nil, fmt.Errorf("dxt1: dimensions %dx%d are not multiples of 4", width, height)
	}

	bx, by := blockCountX(width), blockCountY(height)
	out := make([]byte, ExpectedLength(width, height))
	writeHeader(out, width, height)

	offset := HeaderSize
	for by0 := 0; by0 < by; by0++ {
		for bx0 := 0; bx0 < bx; bx0++ {
			var pixels [16]rgb
			for py := 0; py < 4; py++ {
				for px := 0; px < 4; px++ {
					x := b.Min.X + bx0*4 + px
					y := b.Min.Y + by0*4 + py
					r, g, bl, _ := img.At(x, y).RGBA()
					pixels[py*4+px] = rgb{int32(r >> 8), int32(g >> 8), int32(bl >> 8)}
				}
			}
			c0, c1, indices := encodeBlock(pixels)
			binary.LittleEndian.PutUint16(out[offset:offset+2], c0)
			binary.LittleEndian.PutUint16(out[offset+2:offset+4], c1)
			binary.LittleEndian.PutUint32(out[offset+4:offset+8], indices)
			offset += 8
		}
	}
	return out, nil
}

// Decode parses a DDS/DXT1 byte stream into an image.Image, rejecting any
// buffer whose length does not exactly match 128 + (w/4)*(h/4)*8.
func Decode(data []byte) (image.Image, error) {
	width, height, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) != ExpectedLength(width, height) {
		return nil, fmt.Errorf("dxt1: length %d does not match expected %d for %dx%d", len(data), ExpectedLength(width, height), width, height)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	bx, by := blockCountX(width), blockCountY(height)
	offset := HeaderSize
	for by0 := 0; by0 < by; by0++ {
		for bx0 := 0; bx0 < bx; bx0++ {
			c0 := binary.LittleEndian.Uint16(data[offset : offset+2])
			c1 := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
			indices := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
			offset += 8

			pixels := decodeBlock(c0, c1, indices)
			for py := 0; py < 4; py++ {
				for px := 0; px < 4; px++ {
					x := bx0*4 + px
					y := by0*4 + py
					if x >= width || y >= height {
						continue
					}
					img.SetNRGBA(x, y, pixels[py*4+px])
				}
			}
		}
	}
	return img, nil
}

// DecodeFile reads and decodes a DDS file from path.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Validate reports whether path is a structurally well-formed DDS/DXT1
// file: correct magic, FourCC, and a byte length matching its declared
// width/height.
func Validate(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return ValidateBytes(data)
}

// ValidateBytes is the in-memory form of Validate.
func ValidateBytes(data []byte) bool {
	width, height, err := readHeader(data)
	if err != nil {
		return false
	}
	return len(data) == ExpectedLength(width, height)
}

// Convert reads a PNG from pngPath, encodes it to DXT1 and writes the
// result to ddsPath.
func Convert(pngPath, ddsPath string) error {
	f, err := os.Open(pngPath)
	if err != nil {
		return err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return fmt.Errorf("dxt1: decode png %s: %w", pngPath, err)
	}
	return ConvertImage(img, ddsPath)
}

// ConvertImage encodes an in-memory image to DXT1 and writes it to
// ddsPath, via a temp-file-then-rename so a crash mid-write never leaves
// a partial file at the destination.
func ConvertImage(img image.Image, ddsPath string) error {
	data, err := Encode(img)
	if err != nil {
		return err
	}
	tmp := ddsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ddsPath)
}

// DecodeToPNG decodes a DDS file into an image for a PNG transcode. It
// does not encode the PNG itself; scaling and encoding are left to the
// caller.
func DecodeToPNG(ddsPath string) (image.Image, error) {
	return DecodeFile(ddsPath)
}
