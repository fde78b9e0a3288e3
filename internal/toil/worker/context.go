package worker

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/ehsaniara/toil/internal/toil/domain"
	"github.com/ehsaniara/toil/internal/toil/store"
)

// fileStoreContext is the domain.FileStore a running UserJob sees: the
// narrow file-handle capability from spec.md §9, scoped to one job
// record for the duration of one Run call.
type fileStoreContext struct {
	js  store.JobStore
	rec *domain.JobRecord
}

var _ domain.FileStore = (*fileStoreContext)(nil)

func (c *fileStoreContext) JobStoreID() string { return c.rec.JobStoreID }

func (c *fileStoreContext) ReadLocalFile(fileID string) ([]byte, error) {
	var data []byte
	err := c.js.ReadFileStream(fileID, func(r io.Reader) error {
		var readErr error
		data, readErr = io.ReadAll(r)
		return readErr
	})
	return data, err
}

func (c *fileStoreContext) WriteLocalFile(data []byte) (string, error) {
	return c.js.WriteFileStream(c.rec.JobStoreID, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Promise implements spec.md §4.2 step 2: allocate an empty file for
// index if the job has not already vended it (idempotent across a
// retried attempt), and record the allocation on the record so the
// graph-construction phase below knows which indices to fill.
func (c *fileStoreContext) Promise(index int) (domain.PromiseReference, error) {
	if fileID, ok := c.rec.PromiseFileIDs[index]; ok {
		return domain.PromiseReference{JobStoreFileID: fileID, Index: index}, nil
	}

	fileID, err := c.js.GetEmptyFileStoreID(c.rec.JobStoreID)
	if err != nil {
		return domain.PromiseReference{}, fmt.Errorf("vend promise %d: %w", index, err)
	}

	c.rec.PromiseFileIDs[index] = fileID
	if err := c.js.Update(c.rec); err != nil {
		return domain.PromiseReference{}, fmt.Errorf("persist promise %d: %w", index, err)
	}

	return domain.PromiseReference{JobStoreFileID: fileID, Index: index}, nil
}

// writeGobToFile gob-encodes value as an interface value and
// overwrites fileID's contents — used to store a vended promise's
// value (step 3) so a consumer can decode it into an interface{}
// without knowing its concrete type.
func writeGobToFile(js store.JobStore, fileID string, value interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		return fmt.Errorf("encode value for file %s: %w", fileID, err)
	}
	return overwriteFile(js, fileID, buf.Bytes())
}

// overwriteFile stages data in a local temp file and hands it to
// store.UpdateFile, since the store contract only streams NEW files
// into existence (WriteFileStream); updating a specific existing
// fileID goes through the local-path-based UpdateFile operation.
func overwriteFile(js store.JobStore, fileID string, data []byte) error {
	tmp, err := os.CreateTemp("", "toil-promise-*")
	if err != nil {
		return fmt.Errorf("stage file %s: %w", fileID, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("stage file %s: %w", fileID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage file %s: %w", fileID, err)
	}

	return js.UpdateFile(fileID, tmp.Name())
}

// writeGobAsNewFile gob-encodes value into a freshly allocated file
// owned by jobID and returns its fileID — used to store a newly
// declared child job's encoded state.
func writeGobAsNewFile(js store.JobStore, jobID string, value interface{}) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return "", fmt.Errorf("encode value for job %s: %w", jobID, err)
	}
	return js.WriteFileStream(jobID, func(w io.Writer) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
}

func readGobFromFile(js store.JobStore, fileID string, dst interface{}) error {
	var data []byte
	err := js.ReadFileStream(fileID, func(r io.Reader) error {
		var readErr error
		data, readErr = io.ReadAll(r)
		return readErr
	})
	if err != nil {
		return fmt.Errorf("read file %s: %w", fileID, err)
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(dst)
}
