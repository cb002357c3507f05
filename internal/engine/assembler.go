package engine

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/datallboy/nzbfetch/internal/decoding"
	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/infra/logger"
)

// Target pairs a file of the plan with its final location on disk.
type Target struct {
	File domain.FileTarget
	Path string
}

// Range is a half-open span [Start, End) of bytes written to a file.
type Range struct {
	Start int64
	End   int64
}

// FileResult is returned by Finalize.
type FileResult struct {
	Status  domain.FileStatus
	Path    string
	Size    int64
	Bytes   int64 // verified bytes written
	Missing []int // index values of segments that never made it to disk
	Err     error
}

type span struct {
	off int64
	n   int64
}

type assembly struct {
	target   *Target
	partPath string

	cursor   int   // position of the next segment to write
	offset   int64 // where the segment at cursor goes
	anchored bool  // false once a failed segment forced an estimate

	held    map[int]*decoding.Part
	spans   map[int]span
	failed  map[int]bool
	ranges  []Range
	written int64

	lastSize int64 // decoded size of the last part placed
	yencSize int64 // size claimed by =ybegin, 0 until seen
	opened   bool
	done     bool
	broken   error
}

// Assembler places decoded parts at their byte offsets. A segment's offset is
// the sum of the decoded sizes before it, so parts that arrive ahead of the
// write cursor are held until their left neighbour is on disk. It is not safe
// for concurrent use; the scheduler goroutine owns it.
type Assembler struct {
	files  []*assembly
	writer *FileWriter
	log    *logger.Logger
	held   int
}

func NewAssembler(targets []Target, writer *FileWriter, log *logger.Logger) *Assembler {
	if log == nil {
		log = logger.Discard()
	}
	a := &Assembler{writer: writer, log: log}
	for i := range targets {
		t := &targets[i]
		a.files = append(a.files, &assembly{
			target:   t,
			partPath: t.Path + ".part",
			anchored: true,
			held:     make(map[int]*decoding.Part),
			spans:    make(map[int]span),
			failed:   make(map[int]bool),
		})
	}
	return a
}

func (a *Assembler) Len() int { return len(a.files) }

// Cursor returns the position of the next segment file will write.
func (a *Assembler) Cursor(file int) int { return a.files[file].cursor }

// Held is the number of decoded parts waiting for their offset.
func (a *Assembler) Held() int { return a.held }

// Ranges returns a copy of the written byte ranges of file.
func (a *Assembler) Ranges(file int) []Range { return slices.Clone(a.files[file].ranges) }

// Accept takes a verified part for the segment at position and returns the
// positions that reached the disk as a result, in order.
func (a *Assembler) Accept(file, position int, part *decoding.Part) ([]int, error) {
	st := a.files[file]
	if st.broken != nil {
		return nil, st.broken
	}
	if st.done {
		return nil, nil
	}

	if sp, ok := st.spans[position]; ok {
		return nil, a.rewrite(st, position, sp, part)
	}

	if position < st.cursor || st.failed[position] {
		a.log.Debug("Ignoring late part %d of %s, segment already given up", position, st.target.File.Name)
		return nil, nil
	}

	if _, ok := st.held[position]; !ok {
		a.held++
	}
	st.held[position] = part

	return a.flush(st)
}

// MarkFailed records that the segment at position will never arrive, so the
// cursor can move past it.
func (a *Assembler) MarkFailed(file, position int) ([]int, error) {
	st := a.files[file]
	if st.broken != nil || st.done {
		return nil, st.broken
	}
	if _, ok := st.spans[position]; ok {
		return nil, nil
	}
	if _, ok := st.held[position]; ok {
		delete(st.held, position)
		a.held--
	}
	st.failed[position] = true

	return a.flush(st)
}

// Fail marks file unusable after an I/O error and drops its held parts.
func (a *Assembler) Fail(file int, err error) {
	st := a.files[file]
	if st.broken == nil {
		st.broken = err
	}
	a.held -= len(st.held)
	clear(st.held)
}

func (a *Assembler) flush(st *assembly) ([]int, error) {
	var written []int
	segs := st.target.File.Segments

	for st.cursor < len(segs) {
		pos := st.cursor

		if st.failed[pos] {
			// The true size is lost with the article
			n, ok := gapSize(st, pos)
			if !ok {
				break
			}
			st.offset += n
			st.anchored = false
			st.cursor++
			continue
		}

		part, ok := st.held[pos]
		if !ok {
			break
		}

		if err := a.place(st, pos, part); err != nil {
			a.Fail(a.indexOf(st), err)
			return written, err
		}

		delete(st.held, pos)
		a.held--
		written = append(written, pos)
		st.cursor++
	}

	return written, nil
}

// gapSize estimates the bytes a lost segment covered: its size hint, else
// the size of the neighbouring decoded parts. It reports false while no
// part of the file has been decoded yet.
func gapSize(st *assembly, pos int) (int64, bool) {
	segs := st.target.File.Segments
	if h := segs[pos].SizeHint; h > 0 {
		return h, true
	}
	if st.lastSize > 0 {
		return st.lastSize, true
	}
	for next := pos + 1; next < len(segs); next++ {
		if part, ok := st.held[next]; ok {
			return part.Size(), true
		}
	}
	return 0, false
}

func (a *Assembler) place(st *assembly, pos int, part *decoding.Part) error {
	off := st.offset
	if !st.anchored && part.HasRange {
		off = part.Offset()
		st.anchored = true
	} else if part.HasRange && part.Offset() != off {
		a.log.Debug("%s segment %d: =ypart says offset %d, computed %d", st.target.File.Name, pos, part.Offset(), off)
	}

	if st.yencSize == 0 && part.FileSize > 0 {
		st.yencSize = part.FileSize
	}

	if err := a.open(st); err != nil {
		return err
	}

	if err := a.writer.WriteAt(st.partPath, part.Data, off); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrAssembly, st.target.File.Name, err)
	}

	n := part.Size()
	st.spans[pos] = span{off: off, n: n}
	st.ranges = addRange(st.ranges, Range{Start: off, End: off + n})
	st.written += n
	st.offset = off + n
	st.lastSize = n
	return nil
}

func (a *Assembler) open(st *assembly) error {
	if st.opened {
		return nil
	}

	size := st.yencSize
	if size <= 0 {
		size = st.target.File.EstimatedSize()
	}

	if err := a.writer.Open(st.partPath, size); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrAssembly, st.target.File.Name, err)
	}
	st.opened = true
	return nil
}

// rewrite handles a duplicate delivery by writing the same range again.
func (a *Assembler) rewrite(st *assembly, pos int, sp span, part *decoding.Part) error {
	if part.Size() != sp.n {
		a.log.Warn("%s segment %d delivered twice with different sizes (%d, %d), keeping the first",
			st.target.File.Name, pos, sp.n, part.Size())
		return nil
	}
	if err := a.writer.WriteAt(st.partPath, part.Data, sp.off); err != nil {
		err = fmt.Errorf("%w: %s: %v", domain.ErrAssembly, st.target.File.Name, err)
		a.Fail(a.indexOf(st), err)
		return err
	}
	return nil
}

func (a *Assembler) indexOf(st *assembly) int {
	return slices.Index(a.files, st)
}

// Finalize closes the file and reports whether every segment was written.
// The .part file is renamed to its final name even when segments are
// missing, so the repair tool can find it.
func (a *Assembler) Finalize(file int) (FileResult, error) {
	st := a.files[file]
	res := FileResult{Path: st.target.Path, Bytes: st.written}

	for pos, seg := range st.target.File.Segments {
		if _, ok := st.spans[pos]; !ok {
			res.Missing = append(res.Missing, seg.Index)
		}
	}

	a.held -= len(st.held)
	clear(st.held)
	st.done = true

	if st.broken != nil {
		res.Status = domain.FileFailed
		res.Path = st.partPath
		res.Err = st.broken
		return res, errors.Join(st.broken, a.writer.CloseFile(st.partPath, 0))
	}

	if !st.opened {
		// Nothing decoded at all, there is no file to hand over
		res.Status = domain.FileIncomplete
		res.Path = ""
		return res, nil
	}

	size := st.offset
	if len(res.Missing) > 0 {
		if st.yencSize > 0 {
			size = st.yencSize
		} else if n := len(st.ranges); n > 0 {
			size = max(size, st.ranges[n-1].End)
		}
	} else if st.yencSize > 0 && st.yencSize != size {
		a.log.Warn("%s: =ybegin claims %d bytes, assembled %d", st.target.File.Name, st.yencSize, size)
	}
	res.Size = size

	if err := a.writer.CloseFile(st.partPath, size); err != nil {
		res.Status = domain.FileFailed
		res.Err = fmt.Errorf("%w: %s: %v", domain.ErrAssembly, st.target.File.Name, err)
		res.Path = st.partPath
		return res, res.Err
	}

	if err := os.Rename(st.partPath, st.target.Path); err != nil {
		res.Status = domain.FileFailed
		res.Err = fmt.Errorf("%w: rename %s: %v", domain.ErrAssembly, st.partPath, err)
		res.Path = st.partPath
		return res, res.Err
	}

	if len(res.Missing) > 0 {
		res.Status = domain.FileIncomplete
	} else {
		res.Status = domain.FileComplete
	}
	return res, nil
}

// Abort closes every handle still open. Unless keepPartial is set, the
// .part files of files that were not finalized are deleted.
func (a *Assembler) Abort(keepPartial bool) error {
	var errs []error
	for _, st := range a.files {
		if st.done || !st.opened {
			continue
		}
		st.done = true
		a.held -= len(st.held)
		clear(st.held)

		if keepPartial {
			errs = append(errs, a.writer.CloseFile(st.partPath, 0))
			continue
		}
		errs = append(errs, a.writer.Discard(st.partPath))
	}
	return errors.Join(errs...)
}

// addRange inserts r into a sorted list of disjoint ranges. Whatever r
// overlaps is replaced, and touching ranges are merged.
func addRange(ranges []Range, r Range) []Range {
	if r.End <= r.Start {
		return ranges
	}

	out := make([]Range, 0, len(ranges)+2)
	for _, x := range ranges {
		if x.End <= r.Start || x.Start >= r.End {
			out = append(out, x)
			continue
		}
		if x.Start < r.Start {
			out = append(out, Range{Start: x.Start, End: r.Start})
		}
		if x.End > r.End {
			out = append(out, Range{Start: r.End, End: x.End})
		}
	}
	out = append(out, r)

	slices.SortFunc(out, func(a, b Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	merged := out[:1]
	for _, x := range out[1:] {
		last := &merged[len(merged)-1]
		if x.Start == last.End {
			last.End = x.End
			continue
		}
		merged = append(merged, x)
	}
	return merged
}
