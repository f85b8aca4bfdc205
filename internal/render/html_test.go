package render

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"objcstubs/internal/stubs"
)

func sampleReport() *stubs.Report {
	return &stubs.Report{
		Region:      stubs.DefaultRegion,
		RegionFound: true,
		Applied:     true,
		Candidates: []stubs.Candidate{
			{Addr: 0x100002000, Name: "_objc_msgSend$window", Outcome: stubs.OutcomeRenamed,
				Rename: &stubs.Rename{Addr: 0x100002000, OldName: "sub_100002000", NewName: "_objc_msgSend$window", Selector: "window", SelRef: 0x1000048f8}},
			{Addr: 0x100002020, Name: "sub_100002020", Outcome: stubs.OutcomeUnresolved, Reason: "selref <unmapped>"},
			{Addr: 0x100002040, Name: "sub_100002040", Outcome: stubs.OutcomeMismatch},
		},
	}
}

func TestWriteIndexHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteIndexHTML(&buf, "App & co", sampleReport(), []string{"stubs.dot", "cfg.dot"}))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	assert.Contains(t, out, "<h1>App &amp; co</h1>")
	assert.Contains(t, out, "_objc_msgSend$window")
	assert.Contains(t, out, "0x1000048f8")
	assert.Contains(t, out, `<a href="stubs.dot">stubs.dot</a> | <a href="cfg.dot">cfg.dot</a>`)
	assert.Contains(t, out, "selref &lt;unmapped&gt;")
	assert.Contains(t, out, "<h2>Warnings</h2>")
	assert.Contains(t, out, NASA.Unresolved)
	assert.NotContains(t, out, NASA.Rejected)
	assert.True(t, strings.HasSuffix(out, "</body></html>\n"))
}

func TestWriteIndexHTML_RegionMissing(t *testing.T) {
	var buf bytes.Buffer
	rep := &stubs.Report{Region: "__TEXT,__nothere"}
	require.NoError(t, WriteIndexHTML(&buf, "App", rep, nil))
	out := buf.String()

	assert.Contains(t, out, "region not present")
	assert.NotContains(t, out, "<h2>Outcomes</h2>")
	assert.NotContains(t, out, "<h2>Graphs</h2>")
	assert.NotContains(t, out, "<h2>Trampolines</h2>")
}

func TestWriteIndexHTML_DryRun(t *testing.T) {
	rep := sampleReport()
	rep.Applied = false
	rep.Candidates[0].Outcome = stubs.OutcomePlanned

	var buf bytes.Buffer
	require.NoError(t, WriteIndexHTML(&buf, "App", rep, nil))
	assert.Contains(t, buf.String(), "dry run")
	assert.Contains(t, buf.String(), NASA.Planned)
}

type failWriter struct{ n int }

func (f *failWriter) Write(p []byte) (int, error) {
	if f.n == 0 {
		return 0, errors.New("disk full")
	}
	f.n--
	return len(p), nil
}

func TestWriteIndexHTML_WriteError(t *testing.T) {
	err := WriteIndexHTML(&failWriter{n: 2}, "App", sampleReport(), nil)
	assert.EqualError(t, err, "disk full")
}

func TestBarWidth(t *testing.T) {
	assert.Equal(t, 0, barWidth(1, 0, 200))
	assert.Equal(t, 2, barWidth(1, 1000, 200))
	assert.Equal(t, 100, barWidth(1, 2, 200))
	assert.Equal(t, 200, barWidth(3, 3, 200))
}

func TestOutcomeColor(t *testing.T) {
	assert.Equal(t, NASA.Renamed, NASA.OutcomeColor(stubs.OutcomeRenamed))
	assert.Equal(t, NASA.Rejected, NASA.OutcomeColor(stubs.OutcomeRejected))
	assert.Equal(t, NASA.Mismatch, NASA.OutcomeColor(stubs.OutcomeMismatch))
}
