// Command toil-leader runs the single-threaded leader loop (spec.md
// §4.4): it owns ToilState and the JobBatcher for the lifetime of one
// graph, issuing ready jobs to the configured batch system and
// reacting to completions until nothing remains outstanding.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehsaniara/toil/internal/toil/batch/local"
	"github.com/ehsaniara/toil/internal/toil/batcher"
	"github.com/ehsaniara/toil/internal/toil/leader"
	"github.com/ehsaniara/toil/internal/toil/state"
	"github.com/ehsaniara/toil/internal/toil/stats"
	"github.com/ehsaniara/toil/internal/toil/store/filestore"
	"github.com/ehsaniara/toil/pkg/config"
	"github.com/ehsaniara/toil/pkg/logger"
)

var (
	configPath string
	baseDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "toil-leader",
	Short: "Run the toil leader loop over a persisted job graph",
	RunE:  runLeader,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "toil-config.yml", "path to the local configuration document (spec.md §6)")
	rootCmd.Flags().StringVar(&baseDir, "base-dir", "", "filesystem root for the job store; defaults to the config document's job_store")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runLeader(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if baseDir == "" {
		baseDir = cfg.JobStore
	}
	if baseDir == "" {
		return fmt.Errorf("job store location not set: pass --base-dir or set job_store in %s", configPath)
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		level = logger.INFO
	}
	log := logger.NewWithConfig(logger.Config{Level: level, Output: os.Stdout, Role: "leader"})

	js, err := filestore.Open(baseDir, cfg.TryCount, log)
	if err != nil {
		return fmt.Errorf("open job store at %s: %w", baseDir, err)
	}

	agg := stats.New(js, log)
	if err := agg.Start(); err != nil {
		return fmt.Errorf("start stats aggregator: %w", err)
	}
	defer agg.Stop()

	st, err := state.Reconstruct(js, cfg.RootJob, nil, log)
	if err != nil {
		return fmt.Errorf("reconstruct state: %w", err)
	}

	batchSystem := local.New(log)
	defer batchSystem.Shutdown()

	jb := batcher.New(batchSystem, log)

	deletionInvocation := func(jobID string) string {
		return fmt.Sprintf("toil-worker delete --base-dir %s --job %s", baseDir, jobID)
	}

	ld := leader.New(js, st, jb, cfg, deletionInvocation, log)

	failedCount, err := ld.Run()
	if err != nil {
		return fmt.Errorf("leader loop: %w", err)
	}
	if failedCount > 0 {
		log.Error("leader loop finished with failures", "failedCount", failedCount)
		os.Exit(1)
	}

	log.Info("leader loop finished cleanly")
	return nil
}
