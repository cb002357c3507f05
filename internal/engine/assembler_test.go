package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/datallboy/nzbfetch/internal/decoding"
	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// split cuts data into parts of segSize bytes, as a poster would.
func split(name string, data []byte, segSize int) (domain.FileTarget, []*decoding.Part) {
	f := domain.FileTarget{Name: name, Groups: []string{"alt.binaries.test"}}
	var parts []*decoding.Part

	total := (len(data) + segSize - 1) / segSize
	for i := 0; i < total; i++ {
		start := i * segSize
		end := min(start+segSize, len(data))
		f.Segments = append(f.Segments, domain.SegmentRef{
			MessageID: fmt.Sprintf("%s.%d@test", name, i+1),
			SizeHint:  int64(end - start),
			Index:     i + 1,
		})
		parts = append(parts, &decoding.Part{
			Name:     name,
			Part:     i + 1,
			Total:    total,
			FileSize: int64(len(data)),
			Begin:    int64(start + 1),
			End:      int64(end),
			HasRange: true,
			Data:     data[start:end],
		})
	}
	return f, parts
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/256)
	}
	return b
}

func newTestAssembler(t *testing.T, files ...domain.FileTarget) (*Assembler, []Target) {
	t.Helper()
	dir := t.TempDir()
	var targets []Target
	for _, f := range files {
		targets = append(targets, Target{File: f, Path: filepath.Join(dir, f.Name)})
	}
	return NewAssembler(targets, NewFileWriter(), nil), targets
}

func TestAssembler_OutOfOrder(t *testing.T) {
	data := testData(1000)
	f, parts := split("a.bin", data, 300)
	asm, targets := newTestAssembler(t, f)

	written, err := asm.Accept(0, 2, parts[2])
	require.NoError(t, err)
	assert.Empty(t, written)
	assert.Equal(t, 1, asm.Held())

	written, err = asm.Accept(0, 3, parts[3])
	require.NoError(t, err)
	assert.Empty(t, written)
	assert.Equal(t, 2, asm.Held())

	written, err = asm.Accept(0, 0, parts[0])
	require.NoError(t, err)
	assert.Equal(t, []int{0}, written)
	assert.Equal(t, 1, asm.Cursor(0))

	written, err = asm.Accept(0, 1, parts[1])
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, written)
	assert.Equal(t, 0, asm.Held())
	assert.Equal(t, []Range{{Start: 0, End: 1000}}, asm.Ranges(0))

	res, err := asm.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, domain.FileComplete, res.Status)
	assert.Empty(t, res.Missing)
	assert.Equal(t, int64(1000), res.Size)
	assert.Equal(t, int64(1000), res.Bytes)

	got, err := os.ReadFile(targets[0].Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.NoFileExists(t, targets[0].Path+".part")
}

func TestAssembler_DuplicateDelivery(t *testing.T) {
	data := testData(600)
	f, parts := split("dup.bin", data, 300)
	asm, targets := newTestAssembler(t, f)

	_, err := asm.Accept(0, 0, parts[0])
	require.NoError(t, err)
	written, err := asm.Accept(0, 0, parts[0])
	require.NoError(t, err)
	assert.Empty(t, written)

	_, err = asm.Accept(0, 1, parts[1])
	require.NoError(t, err)
	_, err = asm.Accept(0, 1, parts[1])
	require.NoError(t, err)

	assert.Equal(t, []Range{{Start: 0, End: 600}}, asm.Ranges(0))

	res, err := asm.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, domain.FileComplete, res.Status)
	assert.Equal(t, int64(600), res.Bytes)

	got, err := os.ReadFile(targets[0].Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAssembler_FailedSegmentReanchors(t *testing.T) {
	data := testData(900)
	f, parts := split("gap.bin", data, 300)
	// A bad hint must not shift the bytes after the gap
	f.Segments[1].SizeHint = 17
	asm, targets := newTestAssembler(t, f)

	written, err := asm.MarkFailed(0, 1)
	require.NoError(t, err)
	assert.Empty(t, written)

	written, err = asm.Accept(0, 2, parts[2])
	require.NoError(t, err)
	assert.Empty(t, written)

	written, err = asm.Accept(0, 0, parts[0])
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, written)
	assert.Equal(t, []Range{{Start: 0, End: 300}, {Start: 600, End: 900}}, asm.Ranges(0))

	res, err := asm.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, domain.FileIncomplete, res.Status)
	assert.Equal(t, []int{2}, res.Missing)
	assert.Equal(t, int64(900), res.Size)
	assert.Equal(t, int64(600), res.Bytes)

	got, err := os.ReadFile(targets[0].Path)
	require.NoError(t, err)
	require.Len(t, got, 900)
	assert.Equal(t, data[:300], got[:300])
	assert.Equal(t, make([]byte, 300), got[300:600])
	assert.Equal(t, data[600:], got[600:])
}

func TestAssembler_FailedSegmentWithoutHints(t *testing.T) {
	data := testData(300)

	// No size hints and no =ypart, as with a bare NZB and an old poster
	bare := func() (domain.FileTarget, []*decoding.Part) {
		f, parts := split("bare.bin", data, 100)
		for i := range f.Segments {
			f.Segments[i].SizeHint = 0
		}
		for _, p := range parts {
			p.HasRange = false
			p.FileSize = 0
		}
		return f, parts
	}

	t.Run("gap after a decoded part", func(t *testing.T) {
		f, parts := bare()
		asm, targets := newTestAssembler(t, f)

		_, err := asm.MarkFailed(0, 1)
		require.NoError(t, err)
		_, err = asm.Accept(0, 0, parts[0])
		require.NoError(t, err)
		_, err = asm.Accept(0, 2, parts[2])
		require.NoError(t, err)

		assert.Equal(t, []Range{{Start: 0, End: 100}, {Start: 200, End: 300}}, asm.Ranges(0))

		res, err := asm.Finalize(0)
		require.NoError(t, err)
		assert.Equal(t, domain.FileIncomplete, res.Status)
		assert.Equal(t, []int{2}, res.Missing)
		assert.Equal(t, int64(300), res.Size)

		got, err := os.ReadFile(targets[0].Path)
		require.NoError(t, err)
		require.Len(t, got, 300)
		assert.Equal(t, data[200:], got[200:])
	})

	t.Run("gap before anything decoded", func(t *testing.T) {
		f, parts := bare()
		asm, _ := newTestAssembler(t, f)

		written, err := asm.MarkFailed(0, 0)
		require.NoError(t, err)
		assert.Empty(t, written)
		assert.Equal(t, 0, asm.Cursor(0), "waits for a part to size the gap")

		written, err = asm.Accept(0, 1, parts[1])
		require.NoError(t, err)
		assert.Equal(t, []int{1}, written)
		_, err = asm.Accept(0, 2, parts[2])
		require.NoError(t, err)

		assert.Equal(t, []Range{{Start: 100, End: 300}}, asm.Ranges(0))
	})
}

func TestAssembler_MissingTailWithoutYencSize(t *testing.T) {
	data := testData(500)
	f, parts := split("tail.bin", data, 200)
	for _, p := range parts {
		p.FileSize = 0
	}
	asm, targets := newTestAssembler(t, f)

	_, err := asm.Accept(0, 0, parts[0])
	require.NoError(t, err)
	_, err = asm.Accept(0, 1, parts[1])
	require.NoError(t, err)
	_, err = asm.MarkFailed(0, 2)
	require.NoError(t, err)

	res, err := asm.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, domain.FileIncomplete, res.Status)
	assert.Equal(t, []int{3}, res.Missing)
	// The lost tail still counts with its hint
	assert.Equal(t, int64(500), res.Size)
	assert.Equal(t, []Range{{Start: 0, End: 400}}, asm.Ranges(0))

	info, err := os.Stat(targets[0].Path)
	require.NoError(t, err)
	assert.Equal(t, int64(500), info.Size())
}

func TestAssembler_NothingDecoded(t *testing.T) {
	f, _ := split("none.bin", testData(400), 200)
	asm, targets := newTestAssembler(t, f)

	_, err := asm.MarkFailed(0, 0)
	require.NoError(t, err)
	_, err = asm.MarkFailed(0, 1)
	require.NoError(t, err)

	res, err := asm.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, domain.FileIncomplete, res.Status)
	assert.Equal(t, []int{1, 2}, res.Missing)
	assert.Empty(t, res.Path)
	assert.NoFileExists(t, targets[0].Path)
}

func TestAssembler_WriteErrorFailsOnlyThatFile(t *testing.T) {
	good, goodParts := split("good.bin", testData(300), 300)
	bad, badParts := split("bad.bin", testData(300), 300)

	dir := t.TempDir()
	targets := []Target{
		{File: bad, Path: filepath.Join(dir, "missing-dir", "bad.bin")},
		{File: good, Path: filepath.Join(dir, "good.bin")},
	}
	asm := NewAssembler(targets, NewFileWriter(), nil)

	_, err := asm.Accept(0, 0, badParts[0])
	require.ErrorIs(t, err, domain.ErrAssembly)

	// Later deliveries for the broken file keep reporting the same error
	_, err = asm.Accept(0, 0, badParts[0])
	require.ErrorIs(t, err, domain.ErrAssembly)

	_, err = asm.Accept(1, 0, goodParts[0])
	require.NoError(t, err)

	res, err := asm.Finalize(0)
	require.Error(t, err)
	assert.Equal(t, domain.FileFailed, res.Status)

	res, err = asm.Finalize(1)
	require.NoError(t, err)
	assert.Equal(t, domain.FileComplete, res.Status)
}

func TestAssembler_Abort(t *testing.T) {
	for _, keep := range []bool{true, false} {
		t.Run(fmt.Sprintf("keep=%v", keep), func(t *testing.T) {
			f, parts := split("partial.bin", testData(600), 300)
			asm, targets := newTestAssembler(t, f)

			_, err := asm.Accept(0, 0, parts[0])
			require.NoError(t, err)
			require.NoError(t, asm.Abort(keep))

			if keep {
				assert.FileExists(t, targets[0].Path+".part")
			} else {
				assert.NoFileExists(t, targets[0].Path+".part")
			}
			assert.NoFileExists(t, targets[0].Path)
		})
	}
}

func TestAddRange(t *testing.T) {
	tests := []struct {
		name string
		in   []Range
		add  Range
		want []Range
	}{
		{"empty", nil, Range{0, 10}, []Range{{0, 10}}},
		{"ignore empty range", []Range{{0, 10}}, Range{5, 5}, []Range{{0, 10}}},
		{"merge touching", []Range{{0, 10}}, Range{10, 20}, []Range{{0, 20}}},
		{"keep gap", []Range{{0, 10}}, Range{20, 30}, []Range{{0, 10}, {20, 30}}},
		{"fill gap", []Range{{0, 10}, {20, 30}}, Range{10, 20}, []Range{{0, 30}}},
		{"insert before", []Range{{20, 30}}, Range{0, 5}, []Range{{0, 5}, {20, 30}}},
		{"overlap", []Range{{0, 10}, {20, 30}}, Range{5, 25}, []Range{{0, 30}}},
		{"same range", []Range{{0, 10}}, Range{0, 10}, []Range{{0, 10}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, addRange(tt.in, tt.add))
		})
	}
}
