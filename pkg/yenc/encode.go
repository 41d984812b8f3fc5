// Package yenc implements the yEnc binary-to-text convention used for
// binaries on Usenet: each byte is mapped by (b+42) mod 256, critical
// bytes are escaped with a '=' prefix and a further +64 shift, and
// encoded lines stay within a fixed width. Part trailers carry a CRC32
// so decoders can validate payload integrity.
package yenc

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
)

// DefaultLineLength is the encoded line width used on the wire.
const DefaultLineLength = 128

// Params describes a single yEnc part.
type Params struct {
	// Part is the 1-based part number.
	Part int

	// Total is the total number of parts for the logical file.
	Total int

	// Begin and End are the 1-based inclusive byte range of this part
	// within the logical file, per the =ypart convention.
	Begin int64
	End   int64

	// Size is the total size of the logical file.
	Size int64

	// Name is the file name advertised in the =ybegin header.
	Name string

	// Line is the encoded line width. Zero means DefaultLineLength.
	Line int
}

// Encode writes one complete yEnc part (=ybegin/=ypart/body/=yend) for
// data to w. data is the raw part payload; its CRC32 lands in the
// trailer as pcrc32.
func Encode(w io.Writer, p Params, data []byte) error {
	line := p.Line
	if line <= 0 {
		line = DefaultLineLength
	}

	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n",
		p.Part, p.Total, line, p.Size, p.Name); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(bw, "=ypart begin=%d end=%d\r\n", p.Begin, p.End); err != nil {
		return err
	}

	col := 0
	for _, b := range data {
		e := b + 42 // wraps mod 256 on byte overflow

		escaped := false
		switch e {
		case 0x00, 0x0A, 0x0D, '=':
			escaped = true
		case '.':
			// escape a leading dot so article dot-stuffing never
			// alters the encoded stream
			escaped = col == 0
		}

		if escaped {
			if col+2 > line {
				if _, err := bw.WriteString("\r\n"); err != nil {
					return err
				}
				col = 0
			}
			if err := bw.WriteByte('='); err != nil {
				return err
			}
			if err := bw.WriteByte(e + 64); err != nil {
				return err
			}
			col += 2
			continue
		}

		if col+1 > line {
			if _, err := bw.WriteString("\r\n"); err != nil {
				return err
			}
			col = 0
		}
		if err := bw.WriteByte(e); err != nil {
			return err
		}
		col++
	}
	if col > 0 {
		if _, err := bw.WriteString("\r\n"); err != nil {
			return err
		}
	}

	crc := crc32.ChecksumIEEE(data)
	if _, err := fmt.Fprintf(bw, "=yend size=%d part=%d pcrc32=%08x\r\n", len(data), p.Part, crc); err != nil {
		return err
	}

	return bw.Flush()
}

// EncodedOverhead estimates the worst-case encoded size for a payload of
// n bytes with the given line width: every byte escaped plus line breaks
// plus headers. Used for buffer pre-sizing, never for correctness.
func EncodedOverhead(n, line int) int {
	if line <= 0 {
		line = DefaultLineLength
	}
	body := 2*n + 2*(2*n/line+1)
	return body + 256
}
