package stats

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehsaniara/toil/internal/toil/store/filestore"
)

func newTestStore(t *testing.T) *filestore.FileStore {
	t.Helper()
	fs, err := filestore.Open(t.TempDir(), 1, nil)
	require.NoError(t, err)
	return fs
}

func readDocument(t *testing.T, fs *filestore.FileStore) string {
	t.Helper()
	var buf bytes.Buffer
	err := fs.ReadSharedFileStream(statsDocumentName, func(r io.Reader) error {
		_, err := io.Copy(&buf, r)
		return err
	})
	require.NoError(t, err)
	return buf.String()
}

func TestAggregator_DrainsEntriesIntoDocumentThenWritesFooterOnStop(t *testing.T) {
	fs := newTestStore(t)
	require.NoError(t, fs.WriteStatsAndLogging([]byte("job-1 finished")))
	require.NoError(t, fs.WriteStatsAndLogging([]byte("job-2 finished")))

	agg := New(fs, nil)
	require.NoError(t, agg.Start())
	agg.Stop()

	doc := readDocument(t, fs)
	assert.True(t, strings.Contains(doc, "job-1 finished"))
	assert.True(t, strings.Contains(doc, "job-2 finished"))
	assert.True(t, strings.Contains(doc, "<toil-stats"))
	assert.True(t, strings.Contains(doc, "</toil-stats>"))
}

func TestAggregator_PicksUpEntriesWrittenWhileRunning(t *testing.T) {
	fs := newTestStore(t)

	agg := New(fs, nil)
	require.NoError(t, agg.Start())

	require.NoError(t, fs.WriteStatsAndLogging([]byte("late entry")))
	time.Sleep(pollInterval + 200*time.Millisecond)

	agg.Stop()

	doc := readDocument(t, fs)
	assert.True(t, strings.Contains(doc, "late entry"))
}
