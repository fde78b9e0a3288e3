// Package filestore is the one concrete JobStore implementation this
// repository ships: a local-POSIX-filesystem backend grounded on
// persist/internal/storage/local.go's gzip+JSONL writer lifecycle and
// state/internal/storage/memory.go's copy-on-read discipline. It
// exists to make the contract in spec.md §4.1 testable end-to-end; the
// spec treats concrete backends as external collaborators reached only
// through store.JobStore.
package filestore

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ehsaniara/toil/internal/toil/domain"
	"github.com/ehsaniara/toil/internal/toil/store"
	toilerrors "github.com/ehsaniara/toil/pkg/errors"
	"github.com/ehsaniara/toil/pkg/logger"
)

const (
	jobsDirName    = "jobs"
	filesDirName   = "files"
	sharedDirName  = "shared"
	statsFileName  = "stats.channel"
	indexFileName  = "owners.json"
)

// FileStore is a JobStore backed by a directory tree under BaseDir.
type FileStore struct {
	baseDir         string
	defaultTryCount int
	logger          *logger.Logger

	mu     sync.Mutex // guards owners + writeLocks
	owners map[string]string // fileID -> owning jobID ("" entries are never stored)

	writeLocks map[string]struct{} // fileIDs currently mid-UpdateFile

	statsMu sync.Mutex // serializes the stats/log append-and-drain channel
}

var _ store.JobStore = (*FileStore)(nil)

// Open creates (if necessary) the directory tree rooted at baseDir and
// loads its file-ownership index. defaultTryCount is the configured
// retry budget (pkg/config's TryCount, spec.md §4.5) every record
// created afterward — directly via Create, or client-side by the
// worker's tentative-children commit — is given absent an override.
func Open(baseDir string, defaultTryCount int, log *logger.Logger) (*FileStore, error) {
	if log == nil {
		log = logger.New()
	}
	fs := &FileStore{
		baseDir:         baseDir,
		defaultTryCount: defaultTryCount,
		logger:          log.WithField("component", "filestore"),
		owners:          make(map[string]string),
		writeLocks:      make(map[string]struct{}),
	}

	for _, dir := range []string{jobsDirName, filesDirName, sharedDirName} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
		}
	}

	if err := fs.loadIndex(); err != nil {
		return nil, err
	}

	return fs, nil
}

func (fs *FileStore) jobPath(id string) string    { return filepath.Join(fs.baseDir, jobsDirName, id+".json") }
func (fs *FileStore) filePath(id string) string    { return filepath.Join(fs.baseDir, filesDirName, id) }
func (fs *FileStore) sharedPath(name string) string { return filepath.Join(fs.baseDir, sharedDirName, name) }
func (fs *FileStore) indexPath() string            { return filepath.Join(fs.baseDir, indexFileName) }
func (fs *FileStore) statsPath() string            { return filepath.Join(fs.baseDir, statsFileName) }

func (fs *FileStore) loadIndex() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("filestore: read index: %w", err)
	}
	return json.Unmarshal(data, &fs.owners)
}

// saveIndexLocked persists fs.owners. Callers must hold fs.mu.
func (fs *FileStore) saveIndexLocked() error {
	data, err := json.Marshal(fs.owners)
	if err != nil {
		return fmt.Errorf("filestore: marshal index: %w", err)
	}
	return atomicWrite(fs.indexPath(), data)
}

// atomicWrite implements the write-to-sibling-then-rename strategy
// spec.md §4.1 calls out as the rationale for atomic update: no
// concurrent Load/read ever observes a partial write.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// --- job records ---

func (fs *FileStore) Create(command string, memory int64, cpu float64, disk int64, updateID string, predecessorNumber int) (*domain.JobRecord, error) {
	rec := domain.NewJobRecord(command, memory, cpu, disk, predecessorNumber, fs.defaultTryCount)
	if updateID != "" {
		rec.UpdateID = updateID
	}
	if err := fs.persist(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (fs *FileStore) DefaultTryCount() int { return fs.defaultTryCount }

func (fs *FileStore) Load(id string) (*domain.JobRecord, error) {
	data, err := os.ReadFile(fs.jobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, toilerrors.NoSuchJob(id)
		}
		return nil, fmt.Errorf("filestore: load %s: %w", id, err)
	}

	var rec domain.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("filestore: decode %s: %w", id, err)
	}
	return &rec, nil
}

func (fs *FileStore) Update(record *domain.JobRecord) error {
	if !fs.Exists(record.JobStoreID) {
		return toilerrors.NoSuchJob(record.JobStoreID)
	}
	return fs.persist(record)
}

func (fs *FileStore) CreateChild(record *domain.JobRecord) error {
	return fs.persist(record)
}

func (fs *FileStore) persist(rec *domain.JobRecord) error {
	if err := rec.Validate(); err != nil {
		return toilerrors.Wrap(toilerrors.KindInvalid, "persist job record", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", rec.JobStoreID, err)
	}
	return atomicWrite(fs.jobPath(rec.JobStoreID), data)
}

func (fs *FileStore) Delete(id string) error {
	if err := os.Remove(fs.jobPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: delete %s: %w", id, err)
	}

	fs.mu.Lock()
	var owned []string
	for fileID, jobID := range fs.owners {
		if jobID == id {
			owned = append(owned, fileID)
		}
	}
	for _, fileID := range owned {
		delete(fs.owners, fileID)
	}
	err := fs.saveIndexLocked()
	fs.mu.Unlock()
	if err != nil {
		return err
	}

	for _, fileID := range owned {
		if rmErr := os.Remove(fs.filePath(fileID)); rmErr != nil && !os.IsNotExist(rmErr) {
			fs.logger.Warn("failed to remove owned file during delete", "jobID", id, "fileID", fileID, "error", rmErr)
		}
	}
	return nil
}

func (fs *FileStore) Exists(id string) bool {
	_, err := os.Stat(fs.jobPath(id))
	return err == nil
}

func (fs *FileStore) Jobs(yield func(*domain.JobRecord, error) bool) {
	entries, err := os.ReadDir(filepath.Join(fs.baseDir, jobsDirName))
	if err != nil {
		yield(nil, fmt.Errorf("filestore: list jobs: %w", err))
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		id := name[:len(name)-len(".json")]
		rec, loadErr := fs.Load(id)
		if !yield(rec, loadErr) {
			return
		}
	}
}

// jobsSeq exposes Jobs as an iter.Seq2 for callers that prefer
// range-over-func iteration.
func (fs *FileStore) jobsSeq() iter.Seq2[*domain.JobRecord, error] {
	return fs.Jobs
}

// --- per-job files ---

func (fs *FileStore) WriteFile(jobID, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("filestore: read local %s: %w", localPath, err)
	}
	return fs.writeOwnedFile(jobID, data)
}

func (fs *FileStore) writeOwnedFile(jobID string, data []byte) (string, error) {
	fileID := uuid.NewString()
	if err := atomicWrite(fs.filePath(fileID), data); err != nil {
		return "", fmt.Errorf("filestore: write file %s: %w", fileID, err)
	}

	fs.mu.Lock()
	fs.owners[fileID] = jobID
	err := fs.saveIndexLocked()
	fs.mu.Unlock()
	if err != nil {
		return "", err
	}
	return fileID, nil
}

func (fs *FileStore) ReadFile(fileID, localPath string) error {
	data, err := os.ReadFile(fs.filePath(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return toilerrors.NoSuchFile(fileID)
		}
		return fmt.Errorf("filestore: read file %s: %w", fileID, err)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (fs *FileStore) UpdateFile(fileID, localPath string) error {
	fs.mu.Lock()
	if _, busy := fs.writeLocks[fileID]; busy {
		fs.mu.Unlock()
		return toilerrors.ConcurrentModification(fileID)
	}
	if !fs.FileExists(fileID) {
		fs.mu.Unlock()
		return toilerrors.NoSuchFile(fileID)
	}
	fs.writeLocks[fileID] = struct{}{}
	fs.mu.Unlock()

	defer func() {
		fs.mu.Lock()
		delete(fs.writeLocks, fileID)
		fs.mu.Unlock()
	}()

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("filestore: read local %s: %w", localPath, err)
	}
	return atomicWrite(fs.filePath(fileID), data)
}

func (fs *FileStore) DeleteFile(fileID string) error {
	if err := os.Remove(fs.filePath(fileID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: delete file %s: %w", fileID, err)
	}
	fs.mu.Lock()
	delete(fs.owners, fileID)
	err := fs.saveIndexLocked()
	fs.mu.Unlock()
	return err
}

func (fs *FileStore) FileExists(fileID string) bool {
	_, err := os.Stat(fs.filePath(fileID))
	return err == nil
}

func (fs *FileStore) GetEmptyFileStoreID(jobID string) (string, error) {
	return fs.writeOwnedFile(jobID, nil)
}

func (fs *FileStore) WriteFileStream(jobID string, fn func(w io.Writer) error) (string, error) {
	fileID := uuid.NewString()
	tmp := fs.filePath(fileID) + ".tmp-" + uuid.NewString()

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("filestore: create stream file: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			f.Close()
			os.Remove(tmp)
			panic(r)
		}
	}()
	buffered := bufio.NewWriter(f)

	streamErr := fn(buffered)

	flushErr := buffered.Flush()
	closeErr := f.Close()
	if streamErr != nil || flushErr != nil || closeErr != nil {
		os.Remove(tmp)
		return "", firstNonNil(streamErr, flushErr, closeErr)
	}

	if err := os.Rename(tmp, fs.filePath(fileID)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("filestore: finalize stream file: %w", err)
	}

	fs.mu.Lock()
	fs.owners[fileID] = jobID
	idxErr := fs.saveIndexLocked()
	fs.mu.Unlock()
	if idxErr != nil {
		return "", idxErr
	}
	return fileID, nil
}

func (fs *FileStore) ReadFileStream(fileID string, fn func(r io.Reader) error) error {
	f, err := os.Open(fs.filePath(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return toilerrors.NoSuchFile(fileID)
		}
		return fmt.Errorf("filestore: open file %s: %w", fileID, err)
	}
	defer f.Close()
	return fn(bufio.NewReader(f))
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// --- shared files ---

func (fs *FileStore) WriteSharedFileStream(name string, fn func(w io.Writer) error) error {
	if !store.ValidSharedFileName(name) {
		return toilerrors.New(toilerrors.KindInvalid, fmt.Sprintf("invalid shared file name: %q", name))
	}

	tmp := fs.sharedPath(name) + ".tmp-" + uuid.NewString()
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("filestore: create shared file: %w", err)
	}
	buffered := bufio.NewWriter(f)

	streamErr := fn(buffered)
	flushErr := buffered.Flush()
	closeErr := f.Close()
	if streamErr != nil || flushErr != nil || closeErr != nil {
		os.Remove(tmp)
		return firstNonNil(streamErr, flushErr, closeErr)
	}

	if err := os.Rename(tmp, fs.sharedPath(name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("filestore: finalize shared file: %w", err)
	}
	return nil
}

func (fs *FileStore) ReadSharedFileStream(name string, fn func(r io.Reader) error) error {
	if !store.ValidSharedFileName(name) {
		return toilerrors.New(toilerrors.KindInvalid, fmt.Sprintf("invalid shared file name: %q", name))
	}

	f, err := os.Open(fs.sharedPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return toilerrors.NoSuchFile(name)
		}
		return fmt.Errorf("filestore: open shared file %s: %w", name, err)
	}
	defer f.Close()
	return fn(bufio.NewReader(f))
}

// --- stats/log channel ---
//
// The channel is a sequence of length-prefixed blobs appended to
// statsPath(). ReadStatsAndLogging drains it by renaming the live file
// out of the way first, so concurrent writers landing after the
// rename start a fresh, empty channel rather than racing the drain.

func (fs *FileStore) WriteStatsAndLogging(blob []byte) error {
	fs.statsMu.Lock()
	defer fs.statsMu.Unlock()

	f, err := os.OpenFile(fs.statsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: open stats channel: %w", err)
	}
	defer f.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(blob)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = f.Write(blob)
	return err
}

func (fs *FileStore) ReadStatsAndLogging(callback func(blob []byte) error) (int, error) {
	fs.statsMu.Lock()
	defer fs.statsMu.Unlock()

	draining := fs.statsPath() + ".draining-" + uuid.NewString()
	if err := os.Rename(fs.statsPath(), draining); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("filestore: rotate stats channel: %w", err)
	}
	defer os.Remove(draining)

	f, err := os.Open(draining)
	if err != nil {
		return 0, fmt.Errorf("filestore: open draining stats channel: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	count := 0
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return count, fmt.Errorf("filestore: read stats entry header: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		blob := make([]byte, n)
		if _, err := io.ReadFull(reader, blob); err != nil {
			return count, fmt.Errorf("filestore: read stats entry body: %w", err)
		}
		if err := callback(blob); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
