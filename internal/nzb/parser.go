package nzb

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/datallboy/nzbfetch/internal/domain"
)

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes an NZB document into a JobPlan. Segments are ordered by
// their number attribute; repeated numbers keep the first occurrence.
func (p *Parser) Parse(r io.Reader) (*domain.JobPlan, error) {
	var model Model
	decoder := xml.NewDecoder(r)
	// NZBs in the wild declare iso-8859-1 now and then, the XML itself is ASCII
	decoder.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	if err := decoder.Decode(&model); err != nil {
		return nil, fmt.Errorf("%w: nzb: %v", domain.ErrInvalidPlan, err)
	}

	return p.Plan(&model)
}

// ParseFile parses the NZB at path. The plan is named after the file unless
// the document carries a title.
func (p *Parser) ParseFile(path string) (*domain.JobPlan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	plan, err := p.Parse(f)
	if err != nil {
		return nil, err
	}
	if plan.Name == "" {
		plan.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return plan, nil
}

// Plan converts an already decoded model.
func (p *Parser) Plan(model *Model) (*domain.JobPlan, error) {
	plan := &domain.JobPlan{
		Name:     SanitizeFileName(model.MetaValue("title")),
		Password: model.MetaValue("password"),
	}

	used := make(map[string]int)
	for i, raw := range model.Files {
		name := SanitizeFileName(raw.Subject)
		if name == "" {
			name = fmt.Sprintf("file%03d", i+1)
		}
		// Two files may not share a path on disk
		if n := used[name]; n > 0 {
			used[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n+1)
		} else {
			used[name] = 1
		}

		target := domain.FileTarget{
			Name:    name,
			Subject: raw.Subject,
			Poster:  raw.Poster,
			Groups:  raw.Groups,
		}

		segs := slices.Clone(raw.Segments)
		slices.SortStableFunc(segs, func(a, b Segment) int { return cmp.Compare(a.Number, b.Number) })

		seen := make(map[int]bool, len(segs))
		for _, s := range segs {
			if seen[s.Number] {
				continue
			}
			seen[s.Number] = true

			target.Segments = append(target.Segments, domain.SegmentRef{
				MessageID: strings.Trim(strings.TrimSpace(s.MessageID), "<>"),
				SizeHint:  s.Bytes,
				Index:     s.Number,
			})
			target.SizeHint += s.Bytes
		}

		plan.Files = append(plan.Files, target)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

var (
	reYenc     = regexp.MustCompile(`(?i)\s+yenc.*$`)
	reLead     = regexp.MustCompile(`^\[\d+/\d+\]\s+`)
	reCounter  = regexp.MustCompile(`\s*\(\d+/\d+\)\s*$`)
	reBadChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)
)

// SanitizeFileName removes Usenet metadata and OS-illegal characters
func SanitizeFileName(subject string) string {
	res := html.UnescapeString(subject)

	// Try pattern A: Contents inside double quotes
	firstQuote := strings.Index(res, "\"")
	lastQuote := strings.LastIndex(res, "\"")
	if firstQuote != -1 && lastQuote != -1 && firstQuote < lastQuote {
		res = res[firstQuote+1 : lastQuote]
	} else {
		// Try pattern B: strip the "yenc" suffix, (1/14) and leading [01/14]
		res = reYenc.ReplaceAllString(res, "")
		res = reCounter.ReplaceAllString(res, "")
		res = reLead.ReplaceAllString(res, "")
	}

	// Windows/Linux/macOS safety
	res = reBadChars.ReplaceAllString(res, "_")
	res = strings.TrimSpace(res)

	// "." and ".." would escape the job directory
	if strings.Trim(res, ".") == "" {
		return ""
	}
	return res
}
