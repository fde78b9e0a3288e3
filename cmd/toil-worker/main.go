// Command toil-worker is the generic worker entry point batch-system
// nodes invoke for one issued job (spec.md §4.2, §4.4(a)): "run"
// decodes and invokes the job's captured user state and commits
// whatever graph it declares; "delete" performs the cleanup-phase
// deletion of a terminal record.
//
// A real deployment links its own job type registrations into this
// binary before calling Execute (spec.md §9, "one process-wide
// registry per worker binary, populated at init time by the job
// definitions it links") — this copy registers none, so it only runs
// FunctionJob/SelfWrappingJob-shaped work declared by a caller that
// has registered its own factories via the same mechanism.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehsaniara/toil/internal/toil/domain"
	"github.com/ehsaniara/toil/internal/toil/store/filestore"
	"github.com/ehsaniara/toil/internal/toil/worker"
	"github.com/ehsaniara/toil/pkg/config"
	"github.com/ehsaniara/toil/pkg/logger"
)

var (
	baseDir    string
	jobID      string
	logLevel   string
	configPath string
)

// Registry is the process-wide type-tag registry (spec.md §9). A
// deployment that links concrete job definitions into this binary
// registers them here from its own init functions before main runs.
var Registry = domain.NewRegistry()

var rootCmd = &cobra.Command{Use: "toil-worker"}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Decode and invoke a job's captured state, committing whatever graph it declares",
	RunE:  runRun,
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a terminal job record and its owned files",
	RunE:  runDelete,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "filesystem root for the job store")
	rootCmd.PersistentFlags().StringVar(&jobID, "job", "", "jobStoreID to operate on")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "toil-config.yml", "path to the local configuration document (spec.md §6)")
	_ = rootCmd.MarkPersistentFlagRequired("base-dir")
	_ = rootCmd.MarkPersistentFlagRequired("job")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(deleteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *logger.Logger {
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		level = logger.INFO
	}
	return logger.NewWithConfig(logger.Config{Level: level, Output: os.Stdout, Role: "worker"})
}

func workerCommand(id string) string {
	return fmt.Sprintf("toil-worker run --base-dir %s --job %s", baseDir, id)
}

func runRun(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	js, err := filestore.Open(baseDir, cfg.TryCount, log)
	if err != nil {
		return fmt.Errorf("open job store at %s: %w", baseDir, err)
	}

	if err := worker.Run(js, Registry, jobID, workerCommand, log); err != nil {
		log.Error("job failed", "jobID", jobID, "error", err)
		return err
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	js, err := filestore.Open(baseDir, cfg.TryCount, log)
	if err != nil {
		return fmt.Errorf("open job store at %s: %w", baseDir, err)
	}

	if err := js.Delete(jobID); err != nil {
		log.Error("delete failed", "jobID", jobID, "error", err)
		return err
	}
	return nil
}
