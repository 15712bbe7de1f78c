package fsjournal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/overlaynode/nodeupdater/build"
	"github.com/overlaynode/nodeupdater/journal"
)

func withMockClock(t *testing.T) *clock.Mock {
	mc := clock.NewMock()
	mc.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	prev := build.Clock
	build.Clock = mc
	t.Cleanup(func() { build.Clock = prev })
	return mc
}

func TestRecordAndClose(t *testing.T) {
	withMockClock(t)
	req := require.New(t)
	dir := t.TempDir()

	j, err := openFSJournal(dir, journal.DisabledEvents{{System: "updater", Event: "quiet"}}, 1<<20, 3)
	req.NoError(err)

	loud := j.RegisterEventType("updater", "ready")
	quiet := j.RegisterEventType("updater", "quiet")

	j.RecordEvent(loud, func() interface{} { return map[string]int{"build": 7} })
	j.RecordEvent(quiet, func() interface{} { return "dropped" })
	j.RecordEvent(loud, func() interface{} { panic("boom") })
	req.NoError(j.Close())

	f, err := os.Open(filepath.Join(dir, "journal", currentName))
	req.NoError(err)
	defer f.Close() //nolint:errcheck

	var lines []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]interface{}
		req.NoError(json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	req.Len(lines, 1)
	req.Equal("updater", lines[0]["System"])
	req.Equal("ready", lines[0]["Event"])
}

func TestRollingRemovesOldFiles(t *testing.T) {
	mc := withMockClock(t)
	req := require.New(t)
	dir := t.TempDir()

	j, err := openFSJournal(dir, nil, 1<<20, 3)
	req.NoError(err)
	defer j.Close() //nolint:errcheck

	jdir := filepath.Join(dir, "journal")
	for i := 0; i <= j.keep; i++ {
		mc.Add(time.Second)
		files, _ := os.ReadDir(jdir)
		req.Lenf(files, i+1, "add one file for every roll before max keep")
		req.NoError(j.rollJournalFile())
	}
	// on the last iteration, one of the files should have been pruned,
	// so we should still have only the maximum kept files plus the current one.
	files, _ := os.ReadDir(jdir)
	req.Lenf(files, j.keep+1, "files are not being pruned from the journal directory")
}
