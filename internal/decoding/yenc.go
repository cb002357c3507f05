package decoding

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strconv"

	"github.com/datallboy/nzbfetch/internal/domain"
)

// Part is one verified yEnc run.
type Part struct {
	Name     string
	Part     int   // 0 when the post is single-part
	Total    int   // total parts declared by =ybegin, 0 if absent
	FileSize int64 // size of the whole file claimed by =ybegin

	// Begin and End come from =ypart and are 1-based inclusive like the
	// header. HasRange is false for single-part posts.
	Begin    int64
	End      int64
	HasRange bool

	Data   []byte
	CRC    uint32
	HasCRC bool
}

// Size returns the number of verified bytes in the part.
func (p *Part) Size() int64 { return int64(len(p.Data)) }

// Offset returns the zero-based file offset declared by =ypart.
func (p *Part) Offset() int64 {
	if !p.HasRange || p.Begin < 1 {
		return 0
	}
	return p.Begin - 1
}

type header map[string]string

// Decode turns an NNTP article body (already dot-unstuffed) into raw bytes.
// The body must carry a well-formed =ybegin/=yend pair, and the decoded
// length and checksum must agree with the trailer.
func Decode(raw []byte) (*Part, error) {
	var (
		part       = &Part{}
		begin      header
		trailer    header
		inData     bool
		out        = make([]byte, 0, len(raw))
		lineNumber int
	)

	for len(raw) > 0 {
		var line []byte
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			line, raw = raw[:i], raw[i+1:]
		} else {
			line, raw = raw, nil
		}
		line = bytes.TrimRight(line, "\r")
		lineNumber++

		switch {
		case bytes.HasPrefix(line, []byte("=ybegin ")):
			if begin != nil {
				return nil, fmt.Errorf("%w: second =ybegin at line %d", domain.ErrDecode, lineNumber)
			}
			begin = parseHeader(line[len("=ybegin "):], true)
			inData = true
			continue
		case !inData:
			// Anything before =ybegin (blank lines, text) is ignored
			continue
		case bytes.HasPrefix(line, []byte("=ypart ")):
			h := parseHeader(line[len("=ypart "):], false)
			b, errB := h.num64("begin")
			e, errE := h.num64("end")
			if errB != nil || errE != nil || b < 1 || e < b {
				return nil, fmt.Errorf("%w: malformed =ypart line", domain.ErrDecode)
			}
			part.Begin, part.End, part.HasRange = b, e, true
			continue
		case bytes.HasPrefix(line, []byte("=yend")):
			trailer = parseHeader(bytes.TrimPrefix(line, []byte("=yend")), false)
		}

		if trailer != nil {
			break
		}

		out = decodeLine(line, out)
	}

	if begin == nil {
		return nil, fmt.Errorf("%w: =ybegin not found", domain.ErrDecode)
	}
	if trailer == nil {
		return nil, fmt.Errorf("%w: =yend not found", domain.ErrDecode)
	}

	if err := part.fill(begin, trailer, out); err != nil {
		return nil, err
	}
	return part, nil
}

func (p *Part) fill(begin, trailer header, data []byte) error {
	p.Name = begin["name"]
	p.Part, _ = begin.num("part")
	p.Total, _ = begin.num("total")
	p.FileSize, _ = begin.num64("size")
	p.Data = data

	size, err := trailer.num64("size")
	if err != nil {
		return fmt.Errorf("%w: =yend has no size", domain.ErrDecode)
	}
	if size != int64(len(data)) {
		return fmt.Errorf("%w: size mismatch: trailer says %d, decoded %d", domain.ErrDecode, size, len(data))
	}

	if p.HasRange && p.End-p.Begin+1 != size {
		return fmt.Errorf("%w: =ypart range %d-%d does not match size %d", domain.ErrDecode, p.Begin, p.End, size)
	}

	if tp, err := trailer.num("part"); err == nil && p.Part != 0 && tp != p.Part {
		return fmt.Errorf("%w: =yend part %d does not match =ybegin part %d", domain.ErrDecode, tp, p.Part)
	}

	// pcrc32 covers this part; crc32 alone only covers it for single-part posts
	key := "pcrc32"
	if _, ok := trailer[key]; !ok && !p.HasRange {
		key = "crc32"
	}

	if v, ok := trailer[key]; ok {
		want, err := strconv.ParseUint(v, 16, 32)
		if err != nil {
			return fmt.Errorf("%w: malformed %s %q", domain.ErrDecode, key, v)
		}
		got := crc32.ChecksumIEEE(data)
		if got != uint32(want) {
			return fmt.Errorf("%w: checksum mismatch: expected %08X, got %08X", domain.ErrDecode, uint32(want), got)
		}
		p.CRC, p.HasCRC = got, true
	}

	return nil
}

// decodeLine reverses the yEnc transform for one line of payload.
// An escape left dangling at the end of a line is dropped.
func decodeLine(line, out []byte) []byte {
	escaped := false
	for _, b := range line {
		if escaped {
			out = append(out, b-64-42)
			escaped = false
			continue
		}
		if b == '=' {
			escaped = true
			continue
		}
		out = append(out, b-42)
	}
	return out
}

// parseHeader splits "key=value" pairs. In =ybegin the name key runs to the
// end of the line because file names may contain spaces.
func parseHeader(line []byte, nameLast bool) header {
	h := header{}
	s := string(line)

	if nameLast {
		if i := indexKey(s, "name="); i >= 0 {
			h["name"] = s[i+len("name="):]
			s = s[:i]
		}
	}

	for _, field := range bytes.Fields([]byte(s)) {
		k, v, ok := bytes.Cut(field, []byte("="))
		if !ok {
			continue
		}
		h[string(k)] = string(v)
	}
	return h
}

// indexKey finds key at the start of the line or after a space.
func indexKey(s, key string) int {
	for i := 0; i+len(key) <= len(s); i++ {
		if s[i:i+len(key)] == key && (i == 0 || s[i-1] == ' ') {
			return i
		}
	}
	return -1
}

func (h header) num64(key string) (int64, error) {
	v, ok := h[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	return strconv.ParseInt(v, 10, 64)
}

func (h header) num(key string) (int, error) {
	n, err := h.num64(key)
	return int(n), err
}
