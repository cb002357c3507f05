package nzb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `<?xml version="1.0" encoding="iso-8859-1" ?>
<!DOCTYPE nzb PUBLIC "-//newzBin//DTD NZB 1.1//EN" "http://www.newzbin.com/DTD/nzb/nzb-1.1.dtd">
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <head>
    <meta type="title">My Show S01E01</meta>
    <meta type="password">hunter2</meta>
  </head>
  <file poster="poster@example.com" date="1700000000" subject="[1/2] - &quot;show.part1.rar&quot; yEnc (1/3)">
    <groups><group>alt.binaries.test</group></groups>
    <segments>
      <segment bytes="700" number="2">part2@example.com</segment>
      <segment bytes="700" number="1">&lt;part1@example.com&gt;</segment>
      <segment bytes="300" number="3"> part3@example.com </segment>
      <segment bytes="700" number="2">dup@example.com</segment>
    </segments>
  </file>
  <file poster="poster@example.com" date="1700000000" subject="[2/2] show.par2 yEnc (1/1)">
    <groups><group>alt.binaries.test</group><group>alt.binaries.misc</group></groups>
    <segments>
      <segment bytes="100" number="1">par@example.com</segment>
    </segments>
  </file>
</nzb>`

func TestParse(t *testing.T) {
	plan, err := NewParser().Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "My Show S01E01", plan.Name)
	assert.Equal(t, "hunter2", plan.Password)
	require.Len(t, plan.Files, 2)

	f := plan.Files[0]
	assert.Equal(t, "show.part1.rar", f.Name)
	assert.Equal(t, "poster@example.com", f.Poster)
	assert.Equal(t, []string{"alt.binaries.test"}, f.Groups)
	assert.Equal(t, int64(1700), f.SizeHint)
	assert.Equal(t, []domain.SegmentRef{
		{MessageID: "part1@example.com", SizeHint: 700, Index: 1},
		{MessageID: "part2@example.com", SizeHint: 700, Index: 2},
		{MessageID: "part3@example.com", SizeHint: 300, Index: 3},
	}, f.Segments)

	assert.Equal(t, "show.par2", plan.Files[1].Name)
	assert.Equal(t, 4, plan.TotalSegments())
}

func TestParse_Invalid(t *testing.T) {
	_, err := NewParser().Parse(strings.NewReader("<nzb><file"))
	require.ErrorIs(t, err, domain.ErrInvalidPlan)

	_, err = NewParser().Parse(strings.NewReader(`<nzb></nzb>`))
	require.ErrorIs(t, err, domain.ErrInvalidPlan)

	_, err = NewParser().Parse(strings.NewReader(`<nzb><file subject="a"><segments></segments></file></nzb>`))
	require.ErrorIs(t, err, domain.ErrInvalidPlan)
}

func TestParseFile_NamesPlanAfterFile(t *testing.T) {
	body := strings.Replace(sample, `<meta type="title">My Show S01E01</meta>`, "", 1)
	path := filepath.Join(t.TempDir(), "Some.Release.nzb")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	plan, err := NewParser().ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Some.Release", plan.Name)
}

func TestParse_DuplicateNames(t *testing.T) {
	doc := `<nzb>
  <file subject="&quot;a.bin&quot;"><segments><segment bytes="1" number="1">x@y</segment></segments></file>
  <file subject="&quot;a.bin&quot;"><segments><segment bytes="1" number="1">z@y</segment></segments></file>
</nzb>`
	plan, err := NewParser().Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "a.bin", plan.Files[0].Name)
	assert.Equal(t, "a.bin.2", plan.Files[1].Name)
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{`[01/14] - "movie.mkv" yEnc (1/100)`, "movie.mkv"},
		{`[1/14] movie.part01.rar yEnc (1/50)`, "movie.part01.rar"},
		{`plain.name (3/7)`, "plain.name"},
		{`"bad:name?.bin"`, "bad_name_.bin"},
		{`"../../etc/passwd"`, ".._.._etc_passwd"},
		{`".."`, ""},
		{`&quot;escaped.nfo&quot; yEnc`, "escaped.nfo"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFileName(tt.subject), tt.subject)
	}
}
