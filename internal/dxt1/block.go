package dxt1

import "image/color"

// rgb565 packs 8-bit RGB into the 16-bit 5:6:5 layout used by DXT1
// endpoints, little-endian on the wire.
func rgb565(r, g, b uint8) uint16 {
	return uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
}

func unpack565(v uint16) (r, g, b uint8) {
	r5 := uint8(v>>11) & 0x1F
	g6 := uint8(v>>5) & 0x3F
	b5 := uint8(v) & 0x1F
	r = r5<<3 | r5>>2
	g = g6<<2 | g6>>4
	b = b5<<3 | b5>>2
	return
}

type rgb struct{ r, g, b int32 }

func sq(x int32) int32 { return x * x }

func (a rgb) dist2(b rgb) int32 {
	return sq(a.r-b.r) + sq(a.g-b.g) + sq(a.b-b.b)
}

// palette4 returns the four DXT1 palette colors for the given ordered
// endpoints: c0 > c1 (as 16-bit values) selects the opaque interpolated
// palette, otherwise the 1-bit-alpha palette
// (index 3 is transparent and never chosen for opaque-only sources).
func palette4(c0, c1 uint16) (colors [4]rgb, hasAlpha bool) {
	r0, g0, b0 := unpack565(c0)
	r1, g1, b1 := unpack565(c1)
	p0 := rgb{int32(r0), int32(g0), int32(b0)}
	p1 := rgb{int32(r1), int32(g1), int32(b1)}
	colors[0] = p0
	colors[1] = p1
	if c0 > c1 {
		colors[2] = rgb{(2*p0.r + p1.r) / 3, (2*p0.g + p1.g) / 3, (2*p0.b + p1.b) / 3}
		colors[3] = rgb{(p0.r + 2*p1.r) / 3, (p0.g + 2*p1.g) / 3, (p0.b + 2*p1.b) / 3}
		return colors, false
	}
	colors[2] = rgb{(p0.r + p1.r) / 2, (p0.g + p1.g) / 2, (p0.b + p1.b) / 2}
	colors[3] = rgb{0, 0, 0}
	return colors, true
}

// encodeBlock picks endpoints c0,c1 from the per-channel bounding box
// (minimum and maximum) of a 4x4 block of opaque pixels, then assigns
// each pixel to its nearest palette entry.
func encodeBlock(pixels [16]rgb) (c0, c1 uint16, indices uint32) {
	var minC, maxC rgb
	minC = rgb{255, 255, 255}
	maxC = rgb{0, 0, 0}
	for _, p := range pixels {
		if p.r < minC.r {
			minC.r = p.r
		}
		if p.g < minC.g {
			minC.g = p.g
		}
		if p.b < minC.b {
			minC.b = p.b
		}
		if p.r > maxC.r {
			maxC.r = p.r
		}
		if p.g > maxC.g {
			maxC.g = p.g
		}
		if p.b > maxC.b {
			maxC.b = p.b
		}
	}

	hi := rgb565(uint8(maxC.r), uint8(maxC.g), uint8(maxC.b))
	lo := rgb565(uint8(minC.r), uint8(minC.g), uint8(minC.b))

	// Keep the opaque 4-color palette (c0 > c1): order the endpoints, and
	// when they are equal and non-zero (a solid block) step lo one below hi.
	if hi < lo {
		hi, lo = lo, hi
	} else if hi == lo && hi > 0 {
		lo = hi - 1
	}
	c0, c1 = hi, lo

	palette, _ := palette4(c0, c1)
	for i, p := range pixels {
		best := 0
		bestDist := p.dist2(palette[0])
		for k := 1; k < 4; k++ {
			if d := p.dist2(palette[k]); d < bestDist {
				bestDist = d
				best = k
			}
		}
		indices |= uint32(best&0x3) << uint(i*2)
	}
	return c0, c1, indices
}

// decodeBlock reverses encodeBlock, returning the 16 palette-quantized
// pixels in row-major order within the block.
func decodeBlock(c0, c1 uint16, indices uint32) [16]color.NRGBA {
	palette, hasAlpha := palette4(c0, c1)
	var out [16]color.NRGBA
	for i := 0; i < 16; i++ {
		sel := int((indices >> uint(i*2)) & 0x3)
		p := palette[sel]
		a := uint8(255)
		if hasAlpha && sel == 3 {
			a = 0
		}
		out[i] = color.NRGBA{R: uint8(p.r), G: uint8(p.g), B: uint8(p.b), A: a}
	}
	return out
}
