package xmltv

import (
	"bytes"
	"compress/gzip"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

const sampleGuide = `<?xml version="1.0" encoding="UTF-8"?>
<tv generator-info-name="test">
  <channel id="news.example">
    <display-name>  Example News  </display-name>
    <display-name lang="de">Beispiel Nachrichten</display-name>
    <icon src="http://example.com/news.png"/>
  </channel>
  <channel id="sports.example">
    <display-name>Example Sports</display-name>
  </channel>
  <programme start="20260115180000 +0000" stop="20260115190000 +0000" channel="news.example">
    <title>Evening Report</title>
    <title lang="de">Abendbericht</title>
    <sub-title>Headlines</sub-title>
    <desc>The day in review.</desc>
    <category>News</category>
    <category>Current Affairs</category>
  </programme>
  <programme start="20260115190000" stop="202601152000" channel="sports.example">
    <title>Match of the Week</title>
  </programme>
</tv>`

// collect runs the parser over doc and gathers everything it emits.
func collect(t *testing.T, doc string) ([]Channel, []Programme, []error) {
	t.Helper()

	var channels []Channel
	var programmes []Programme
	var errs []error

	p := &Parser{
		OnChannel: func(ch *Channel) error {
			channels = append(channels, *ch)
			return nil
		},
		OnProgramme: func(prog *Programme) error {
			programmes = append(programmes, *prog)
			return nil
		},
		OnError: func(err error) { errs = append(errs, err) },
	}
	require.NoError(t, p.Parse(strings.NewReader(doc)))
	return channels, programmes, errs
}

func TestParser_Parse_Channels(t *testing.T) {
	channels, _, errs := collect(t, sampleGuide)

	require.Len(t, channels, 2)
	assert.Empty(t, errs)

	// The first display-name wins and is trimmed.
	assert.Equal(t, "news.example", channels[0].ID)
	assert.Equal(t, "Example News", channels[0].DisplayName)
	assert.Equal(t, "sports.example", channels[1].ID)
	assert.Equal(t, "Example Sports", channels[1].DisplayName)
}

func TestParser_Parse_Programmes(t *testing.T) {
	_, programmes, errs := collect(t, sampleGuide)

	require.Len(t, programmes, 2)
	assert.Empty(t, errs)

	first := programmes[0]
	assert.Equal(t, "news.example", first.Channel)
	assert.Equal(t, "Evening Report", first.Title)
	assert.Equal(t, "Headlines", first.SubTitle)
	assert.Equal(t, "The day in review.", first.Description)
	assert.Equal(t, "News", first.Category)
	assert.Equal(t, time.Date(2026, 1, 15, 18, 0, 0, 0, time.UTC), first.Start.UTC())
	assert.Equal(t, time.Date(2026, 1, 15, 19, 0, 0, 0, time.UTC), first.Stop.UTC())

	// Timestamps without an offset and at minute precision still parse.
	second := programmes[1]
	assert.Equal(t, time.Date(2026, 1, 15, 19, 0, 0, 0, time.UTC), second.Start.UTC())
	assert.Equal(t, time.Date(2026, 1, 15, 20, 0, 0, 0, time.UTC), second.Stop.UTC())
	assert.Empty(t, second.SubTitle)
}

func TestParser_Parse_BadTimestampReported(t *testing.T) {
	doc := `<tv>
  <programme start="not-a-time" stop="20260115190000" channel="x">
    <title>Broken Start</title>
  </programme>
</tv>`

	_, programmes, errs := collect(t, doc)

	// The programme is still emitted with a zero start so the caller
	// decides whether to keep it.
	require.Len(t, programmes, 1)
	assert.True(t, programmes[0].Start.IsZero())
	assert.False(t, programmes[0].Stop.IsZero())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "not-a-time")
}

func TestParser_Parse_CallbackErrorAborts(t *testing.T) {
	boom := errors.New("stop here")
	p := &Parser{
		OnProgramme: func(prog *Programme) error { return boom },
	}

	err := p.Parse(strings.NewReader(sampleGuide))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestParser_Parse_NilCallbacksSkip(t *testing.T) {
	p := &Parser{}
	require.NoError(t, p.Parse(strings.NewReader(sampleGuide)))
}

func TestParser_Parse_SloppyMarkup(t *testing.T) {
	// HTML entities are not valid XML but show up in feeds anyway.
	doc := `<tv>
  <programme start="20260115180000 +0000" stop="20260115190000 +0000" channel="x">
    <title>News &amp; Sport &ndash; Live</title>
  </programme>
</tv>`

	_, programmes, _ := collect(t, doc)
	require.Len(t, programmes, 1)
	assert.Contains(t, programmes[0].Title, "News & Sport")
}

func TestParser_ParseCompressed(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		var n int
		p := &Parser{OnProgramme: func(*Programme) error { n++; return nil }}
		require.NoError(t, p.ParseCompressed(strings.NewReader(sampleGuide)))
		assert.Equal(t, 2, n)
	})

	t.Run("gzip", func(t *testing.T) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write([]byte(sampleGuide))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		var n int
		p := &Parser{OnProgramme: func(*Programme) error { n++; return nil }}
		require.NoError(t, p.ParseCompressed(&buf))
		assert.Equal(t, 2, n)
	})

	t.Run("bzip2", func(t *testing.T) {
		// The standard library only reads bzip2, so the fixture is
		// written with dsnet's encoder.
		var buf bytes.Buffer
		bw, err := bzip2.NewWriter(&buf, nil)
		require.NoError(t, err)
		_, err = bw.Write([]byte(sampleGuide))
		require.NoError(t, err)
		require.NoError(t, bw.Close())

		var n int
		p := &Parser{OnProgramme: func(*Programme) error { n++; return nil }}
		require.NoError(t, p.ParseCompressed(&buf))
		assert.Equal(t, 2, n)
	})

	t.Run("xz", func(t *testing.T) {
		var buf bytes.Buffer
		xw, err := xz.NewWriter(&buf)
		require.NoError(t, err)
		_, err = xw.Write([]byte(sampleGuide))
		require.NoError(t, err)
		require.NoError(t, xw.Close())

		var n int
		p := &Parser{OnProgramme: func(*Programme) error { n++; return nil }}
		require.NoError(t, p.ParseCompressed(&buf))
		assert.Equal(t, 2, n)
	})

	t.Run("empty input", func(t *testing.T) {
		p := &Parser{}
		require.NoError(t, p.ParseCompressed(strings.NewReader("")))
	})
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"with offset", "20260115203000 +0100", time.Date(2026, 1, 15, 19, 30, 0, 0, time.UTC)},
		{"without offset", "20260115203000", time.Date(2026, 1, 15, 20, 30, 0, 0, time.UTC)},
		{"minute precision", "202601152030", time.Date(2026, 1, 15, 20, 30, 0, 0, time.UTC)},
		{"padded", "  20260115203000  ", time.Date(2026, 1, 15, 20, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTime(tt.input)
			require.NoError(t, err)
			assert.True(t, got.UTC().Equal(tt.want), "got %v", got)
		})
	}

	for _, bad := range []string{"", "garbage", "2026-01-15 20:30"} {
		_, err := parseTime(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
