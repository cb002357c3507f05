package decoding

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
)

// EncodeOptions describes the part being posted.
type EncodeOptions struct {
	Name       string
	LineSize   int // defaults to 128
	Part       int // 0 writes a single-part post without =ypart
	Total      int
	FileSize   int64 // whole file size for =ybegin, defaults to len(data)
	Offset     int64 // zero-based offset of data within the file
	OmitCRC    bool
	CorruptCRC bool
}

// Encode writes data as a yEnc post. Leading dots are escaped so the output
// can be placed in an NNTP body without dot-stuffing ambiguity.
func Encode(w io.Writer, data []byte, opts EncodeOptions) error {
	lineSize := opts.LineSize
	if lineSize <= 0 {
		lineSize = 128
	}
	fileSize := opts.FileSize
	if fileSize <= 0 {
		fileSize = int64(len(data))
	}

	bw := bufio.NewWriter(w)

	if opts.Part > 0 {
		fmt.Fprintf(bw, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n",
			opts.Part, opts.Total, lineSize, fileSize, opts.Name)
		fmt.Fprintf(bw, "=ypart begin=%d end=%d\r\n", opts.Offset+1, opts.Offset+int64(len(data)))
	} else {
		fmt.Fprintf(bw, "=ybegin line=%d size=%d name=%s\r\n", lineSize, fileSize, opts.Name)
	}

	col := 0
	for i, b := range data {
		c := b + 42
		last := i == len(data)-1 || col+1 >= lineSize

		escape := false
		switch c {
		case 0, '\n', '\r', '=':
			escape = true
		case '\t', ' ':
			escape = col == 0 || last
		case '.':
			escape = col == 0
		}

		if escape {
			bw.WriteByte('=')
			c += 64
			col++
		}
		bw.WriteByte(c)
		col++

		if col >= lineSize && i != len(data)-1 {
			bw.WriteString("\r\n")
			col = 0
		}
	}
	bw.WriteString("\r\n")

	crc := crc32.ChecksumIEEE(data)
	if opts.CorruptCRC {
		crc ^= 0xFFFFFFFF
	}

	switch {
	case opts.OmitCRC && opts.Part > 0:
		fmt.Fprintf(bw, "=yend size=%d part=%d\r\n", len(data), opts.Part)
	case opts.OmitCRC:
		fmt.Fprintf(bw, "=yend size=%d\r\n", len(data))
	case opts.Part > 0:
		fmt.Fprintf(bw, "=yend size=%d part=%d pcrc32=%08x\r\n", len(data), opts.Part, crc)
	default:
		fmt.Fprintf(bw, "=yend size=%d crc32=%08x\r\n", len(data), crc)
	}

	return bw.Flush()
}
