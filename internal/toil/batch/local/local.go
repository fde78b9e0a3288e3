// Package local is a BatchSystem grounded on the coordinator/adapter
// shape of the teacher's execution engine (internal/joblet/core), made
// batch-system-opaque rather than cgroup/Linux-specific: each issued
// job is an os/exec child process, and completions flow back over an
// internal channel the way the teacher's scheduler drains its
// newJobSignal/stopSignal select loop.
package local

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehsaniara/toil/internal/toil/batch"
	"github.com/ehsaniara/toil/pkg/logger"
)

// tracked is the bookkeeping kept per issued job until its completion
// is drained via GetUpdatedBatchJob.
type tracked struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	startTime time.Time

	mu       sync.Mutex
	finished bool
	exitCode int
	done     chan struct{}
}

// BatchSystem runs issued commands as local child processes. It
// satisfies batch.BatchSystem and is meant for tests and single-node
// operation; spec.md §1 treats real batch-system backends as out of
// scope.
type BatchSystem struct {
	logger *logger.Logger

	mu   sync.Mutex
	jobs map[string]*tracked

	updates chan string // batchSystemIDs ready to be drained
}

var _ batch.BatchSystem = (*BatchSystem)(nil)

// New returns a BatchSystem ready to issue jobs.
func New(log *logger.Logger) *BatchSystem {
	if log == nil {
		log = logger.New()
	}
	return &BatchSystem{
		logger:  log.WithField("component", "batch.local"),
		jobs:    make(map[string]*tracked),
		updates: make(chan string, 256),
	}
}

func (b *BatchSystem) IssueBatchJob(command string, memory int64, cpu float64, disk int64) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("batch/local: start %q: %w", command, err)
	}

	id := uuid.NewString()
	t := &tracked{
		cmd:       cmd,
		cancel:    cancel,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.jobs[id] = t
	b.mu.Unlock()

	b.logger.Debug("issued batch job", "batchSystemID", id, "memory", memory, "cpu", cpu, "disk", disk)

	go b.awaitExit(id, t)

	return id, nil
}

func (b *BatchSystem) awaitExit(id string, t *tracked) {
	err := t.cmd.Wait()
	t.cancel()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	t.mu.Lock()
	t.finished = true
	t.exitCode = exitCode
	t.mu.Unlock()
	close(t.done)

	b.updates <- id
}

func (b *BatchSystem) KillBatchJobs(ids []string) error {
	for _, id := range ids {
		b.mu.Lock()
		t, ok := b.jobs[id]
		b.mu.Unlock()
		if !ok {
			continue
		}

		t.mu.Lock()
		alreadyDone := t.finished
		t.mu.Unlock()
		if !alreadyDone {
			t.cancel()
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
		}
		<-t.done
	}
	return nil
}

func (b *BatchSystem) GetIssuedBatchJobIDs() (map[string]struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make(map[string]struct{}, len(b.jobs))
	for id := range b.jobs {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (b *BatchSystem) GetRunningBatchJobIDs() (map[string]time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	running := make(map[string]time.Duration)
	for id, t := range b.jobs {
		t.mu.Lock()
		finished := t.finished
		t.mu.Unlock()
		if !finished {
			running[id] = time.Since(t.startTime)
		}
	}
	return running, nil
}

func (b *BatchSystem) GetUpdatedBatchJob(maxWait time.Duration) (string, int, bool, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case id := <-b.updates:
		b.mu.Lock()
		t, ok := b.jobs[id]
		if ok {
			delete(b.jobs, id)
		}
		b.mu.Unlock()
		if !ok {
			// Drained twice somehow; treat as no update rather than panic.
			return "", 0, false, nil
		}

		t.mu.Lock()
		exitCode := t.exitCode
		t.mu.Unlock()
		return id, exitCode, true, nil

	case <-timer.C:
		return "", 0, false, nil
	}
}

func (b *BatchSystem) Shutdown() error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.jobs))
	for id := range b.jobs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	return b.KillBatchJobs(ids)
}
