package domain

import "fmt"

// JobPlan is the in-memory description of everything one NZB asks for.
// It is treated as immutable once handed to the engine.
type JobPlan struct {
	Name     string
	Password string
	Files    []FileTarget
}

// FileTarget is one output file. Name may be obfuscated and SizeHint is
// whatever the poster claimed; neither is trusted for byte placement.
type FileTarget struct {
	Name     string
	Subject  string
	Poster   string
	SizeHint int64
	Groups   []string

	// Segments are kept in download order. The order defines byte order,
	// Index values only have to be unique.
	Segments []SegmentRef
}

// SegmentRef points at one article holding a slice of a FileTarget.
type SegmentRef struct {
	MessageID string
	SizeHint  int64
	Index     int
}

// TotalSegments returns the number of articles across all files.
func (p *JobPlan) TotalSegments() int {
	n := 0
	for i := range p.Files {
		n += len(p.Files[i].Segments)
	}
	return n
}

// EstimatedSize returns the declared file size, or the sum of segment hints
// when the declaration is missing.
func (f *FileTarget) EstimatedSize() int64 {
	if f.SizeHint > 0 {
		return f.SizeHint
	}
	var total int64
	for _, s := range f.Segments {
		total += s.SizeHint
	}
	return total
}

// Validate rejects plans the scheduler cannot work with.
func (p *JobPlan) Validate() error {
	if len(p.Files) == 0 {
		return fmt.Errorf("%w: no files", ErrInvalidPlan)
	}

	for i := range p.Files {
		f := &p.Files[i]
		if f.Name == "" {
			return fmt.Errorf("%w: file %d has no name", ErrInvalidPlan, i)
		}
		if len(f.Segments) == 0 {
			return fmt.Errorf("%w: file %s has no segments", ErrInvalidPlan, f.Name)
		}

		seen := make(map[int]struct{}, len(f.Segments))
		for _, s := range f.Segments {
			if s.MessageID == "" {
				return fmt.Errorf("%w: file %s segment %d has no message id", ErrInvalidPlan, f.Name, s.Index)
			}
			if _, dup := seen[s.Index]; dup {
				return fmt.Errorf("%w: file %s has duplicate segment %d", ErrInvalidPlan, f.Name, s.Index)
			}
			seen[s.Index] = struct{}{}
		}
	}
	return nil
}
