// Package stats implements the background stats/log aggregator
// (spec.md §4.6): a consumer that runs concurrently with the leader
// loop, draining per-job blobs out of the store's append-and-drain
// channel into one aggregated shared document, grounded on the
// teacher's monitoring.Service collector-loop shape and
// persist/internal/storage/local.go's writer-lifecycle discipline.
package stats

import (
	"fmt"
	"io"
	"time"

	"github.com/ehsaniara/toil/internal/toil/store"
	"github.com/ehsaniara/toil/pkg/logger"
)

const statsDocumentName = "stats.xml"

// pollInterval is how often the aggregator polls readStatsAndLogging
// while waiting for the termination signal.
const pollInterval = 500 * time.Millisecond

// Aggregator drains the store's stats/log channel into a single
// shared document for the lifetime of one leader run. It is the
// document's sole writer, so it keeps the accumulated content in
// memory and rewrites the whole shared file on every flush — the
// store's writeSharedFileStream contract is whole-file, not append
// (spec.md §4.1, "Rationale for atomic update").
type Aggregator struct {
	store  store.JobStore
	logger *logger.Logger
	buf    []byte

	// stop is the single-slot termination signal (spec.md §4.6): the
	// leader closes it once, waking the aggregator to drain residual
	// entries and exit.
	stop chan struct{}
	done chan struct{}
}

// New constructs an Aggregator. Start must be called to begin
// draining.
func New(js store.JobStore, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.New()
	}
	return &Aggregator{
		store:  js,
		logger: log.WithRole("aggregator"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start opens the shared document, writes its header, and begins
// polling the stats/log channel in a goroutine. Stop blocks until the
// goroutine has drained residual entries and written the footer.
func (a *Aggregator) Start() error {
	startedAt := time.Now()

	a.buf = append(a.buf, []byte(fmt.Sprintf("<toil-stats startedAt=%q>\n", startedAt.Format(time.RFC3339)))...)
	if err := a.flush(); err != nil {
		return fmt.Errorf("write stats document header: %w", err)
	}

	go a.run(startedAt)
	return nil
}

// flush rewrites the shared document from the in-memory buffer.
func (a *Aggregator) flush() error {
	return a.store.WriteSharedFileStream(statsDocumentName, func(w io.Writer) error {
		_, err := w.Write(a.buf)
		return err
	})
}

// Stop signals the aggregator to drain and exit, and blocks until it
// has finished writing the footer.
func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Aggregator) run(startedAt time.Time) {
	defer close(a.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			a.drainOnce()
			a.writeFooter(startedAt)
			return
		case <-ticker.C:
			a.drainOnce()
		}
	}
}

// drainOnce appends every entry currently in the stats/log channel to
// the shared document in one shared-file-writer acquisition, so
// concurrent workers writing new entries mid-drain are not blocked
// any longer than one append.
func (a *Aggregator) drainOnce() {
	count, err := a.store.ReadStatsAndLogging(func(blob []byte) error {
		a.buf = append(a.buf, blob...)
		a.buf = append(a.buf, '\n')
		return nil
	})
	if err != nil {
		a.logger.Warn("drain stats/log channel failed", "error", err)
		return
	}
	if count == 0 {
		return
	}

	if err := a.flush(); err != nil {
		a.logger.Warn("flush stats document failed", "error", err, "entries", count)
		return
	}
	a.logger.Debug("appended drained entries", "count", count)
}

func (a *Aggregator) writeFooter(startedAt time.Time) {
	elapsed := time.Since(startedAt)
	a.buf = append(a.buf, []byte(fmt.Sprintf("<totalTime seconds=%q/>\n</toil-stats>\n", elapsed.String()))...)
	if err := a.flush(); err != nil {
		a.logger.Warn("write stats document footer failed", "error", err)
	}
}
