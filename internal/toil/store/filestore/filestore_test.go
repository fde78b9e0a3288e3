package filestore

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehsaniara/toil/internal/toil/domain"
	toilerrors "github.com/ehsaniara/toil/pkg/errors"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := Open(t.TempDir(), 1, nil)
	require.NoError(t, err)
	return fs
}

func TestCreate_AssignsIDAndPersists(t *testing.T) {
	fs := newTestStore(t)

	rec, err := fs.Create("echo hi", 10, 1, 5, "", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.JobStoreID)
	assert.True(t, fs.Exists(rec.JobStoreID))
}

func TestLoadUpdate_RoundTripsRecord(t *testing.T) {
	fs := newTestStore(t)
	rec, err := fs.Create("echo hi", 10, 1, 5, "", 0)
	require.NoError(t, err)

	rec.Command = "echo bye"
	rec.RemainingRetryCount = 2
	rec.PromiseFileIDs = map[int]string{0: "some-file-id"}
	require.NoError(t, fs.Update(rec))

	loaded, err := fs.Load(rec.JobStoreID)
	require.NoError(t, err)

	// load(update(r)) must reproduce r field-for-field, not just the
	// one field a narrower assertion happens to check.
	if diff := cmp.Diff(rec, loaded); diff != "" {
		t.Fatalf("loaded record diverged from the one written (-want +got):\n%s", diff)
	}
}

func TestLoad_MissingRecordReturnsNoSuchJob(t *testing.T) {
	fs := newTestStore(t)
	_, err := fs.Load("nope")
	assert.True(t, toilerrors.IsNoSuchJob(err))
}

func TestUpdate_MissingRecordReturnsNoSuchJob(t *testing.T) {
	fs := newTestStore(t)
	rec, err := fs.Create("x", 0, 0, 0, "", 0)
	require.NoError(t, err)
	require.NoError(t, fs.Delete(rec.JobStoreID))

	err = fs.Update(rec)
	assert.True(t, toilerrors.IsNoSuchJob(err))
}

func TestDeleteCreate_ExistsBecomesFalse(t *testing.T) {
	fs := newTestStore(t)
	rec, err := fs.Create("x", 0, 0, 0, "", 0)
	require.NoError(t, err)

	require.NoError(t, fs.Delete(rec.JobStoreID))
	assert.False(t, fs.Exists(rec.JobStoreID))

	// idempotent
	require.NoError(t, fs.Delete(rec.JobStoreID))
}

func TestDelete_RemovesOwnedFiles(t *testing.T) {
	fs := newTestStore(t)
	rec, err := fs.Create("x", 0, 0, 0, "", 0)
	require.NoError(t, err)

	fileID, err := fs.WriteFileStream(rec.JobStoreID, func(w io.Writer) error {
		_, err := w.Write([]byte("payload"))
		return err
	})
	require.NoError(t, err)
	assert.True(t, fs.FileExists(fileID))

	require.NoError(t, fs.Delete(rec.JobStoreID))
	assert.False(t, fs.FileExists(fileID))
}

func TestJobs_IteratesAllRecords(t *testing.T) {
	fs := newTestStore(t)
	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		rec, err := fs.Create("x", 0, 0, 0, "", 0)
		require.NoError(t, err)
		ids[rec.JobStoreID] = true
	}

	seen := map[string]bool{}
	fs.Jobs(func(r *domain.JobRecord, err error) bool {
		require.NoError(t, err)
		seen[r.JobStoreID] = true
		return true
	})
	assert.Equal(t, ids, seen)
}

func TestWriteReadFileStream_RoundTripsPayload(t *testing.T) {
	fs := newTestStore(t)
	rec, err := fs.Create("x", 0, 0, 0, "", 0)
	require.NoError(t, err)

	payload := []byte("hello promise")
	fileID, err := fs.WriteFileStream(rec.JobStoreID, func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	})
	require.NoError(t, err)

	var got bytes.Buffer
	err = fs.ReadFileStream(fileID, func(r io.Reader) error {
		_, err := io.Copy(&got, r)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Bytes())
}

func TestReadFileStream_MissingFileReturnsNoSuchFile(t *testing.T) {
	fs := newTestStore(t)
	err := fs.ReadFileStream("missing", func(r io.Reader) error { return nil })
	assert.True(t, toilerrors.Is(err, toilerrors.KindNoSuchFile))
}

func TestUpdateFile_ConcurrentWriterDetected(t *testing.T) {
	fs := newTestStore(t)
	rec, err := fs.Create("x", 0, 0, 0, "", 0)
	require.NoError(t, err)
	fileID, err := fs.GetEmptyFileStoreID(rec.JobStoreID)
	require.NoError(t, err)

	fs.mu.Lock()
	fs.writeLocks[fileID] = struct{}{}
	fs.mu.Unlock()

	err = fs.UpdateFile(fileID, "/dev/null")
	assert.True(t, toilerrors.Is(err, toilerrors.KindConcurrentModification))
}

func TestSharedFileStream_RejectsInvalidName(t *testing.T) {
	fs := newTestStore(t)
	err := fs.WriteSharedFileStream("../escape", func(w io.Writer) error { return nil })
	assert.True(t, toilerrors.Is(err, toilerrors.KindInvalid))
}

func TestSharedFileStream_RoundTripsPayload(t *testing.T) {
	fs := newTestStore(t)
	payload := []byte("config: document")

	err := fs.WriteSharedFileStream("config.xml", func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	})
	require.NoError(t, err)

	var got bytes.Buffer
	err = fs.ReadSharedFileStream("config.xml", func(r io.Reader) error {
		_, err := io.Copy(&got, r)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Bytes())
}

func TestStatsChannel_DrainReturnsEntriesInOrderThenEmpty(t *testing.T) {
	fs := newTestStore(t)
	require.NoError(t, fs.WriteStatsAndLogging([]byte("one")))
	require.NoError(t, fs.WriteStatsAndLogging([]byte("two")))

	var got [][]byte
	count, err := fs.ReadStatsAndLogging(func(blob []byte) error {
		got = append(got, append([]byte(nil), blob...))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, got)

	count, err = fs.ReadStatsAndLogging(func(blob []byte) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStatsChannel_WritesAfterDrainStartFresh(t *testing.T) {
	fs := newTestStore(t)
	require.NoError(t, fs.WriteStatsAndLogging([]byte("first-batch")))
	_, err := fs.ReadStatsAndLogging(func([]byte) error { return nil })
	require.NoError(t, err)

	require.NoError(t, fs.WriteStatsAndLogging([]byte("second-batch")))
	var got []string
	_, err = fs.ReadStatsAndLogging(func(blob []byte) error {
		got = append(got, string(blob))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"second-batch"}, got)
}
