package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nuetzliches/queuekeeper/internal/config"
	"github.com/nuetzliches/queuekeeper/internal/retention"
)

const cleanupTimeout = 10 * time.Minute

type cleanupResult struct {
	Operation string `json:"operation"`
	Days      int    `json:"days"`
	Affected  int    `json:"affected"`
}

func cleanupCmd(args []string) int {
	return runCleanupCmd(args, os.Stdout, os.Stderr)
}

// runCleanupCmd runs one retention pass against the configured history
// store outside the server process, e.g. from an external scheduler.
func runCleanupCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	days := fs.Int("days", 0, "days to keep (soft delete) or soft-deleted age (with --hard); 0 uses the configured value")
	hard := fs.Bool("hard", false, "permanently remove rows soft-deleted more than --days ago")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *days < 0 {
		fmt.Fprintln(stderr, "cleanup: --days must be >= 0")
		return 2
	}
	if strings.TrimSpace(*dotenvPath) != "" {
		if _, err := loadDotenv(strings.TrimSpace(*dotenvPath)); err != nil {
			fmt.Fprintf(stderr, "cleanup: %v\n", err)
			return 1
		}
	}

	cfg, res, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "cleanup: %v\n", err)
		return 1
	}
	if !res.OK {
		fmt.Fprintf(stderr, "cleanup: %s\n", config.FormatValidationText(res))
		return 1
	}
	if cfg.History.Backend == config.BackendMemory {
		fmt.Fprintln(stderr, "cleanup: the memory history backend has nothing to clean outside the server")
		return 1
	}

	store, err := openHistoryStore(cfg.History)
	if err != nil {
		fmt.Fprintf(stderr, "cleanup: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	rc, err := retentionConfig(cfg.Retention)
	if err != nil {
		fmt.Fprintf(stderr, "cleanup: %v\n", err)
		return 1
	}
	mgr, err := retention.New(store, rc)
	if err != nil {
		fmt.Fprintf(stderr, "cleanup: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	out := cleanupResult{Operation: retention.JobSoftDelete, Days: *days}
	if *hard {
		out.Operation = retention.JobHardDelete
		if out.Days == 0 {
			out.Days = cfg.Retention.HardDeleteDays
		}
		out.Affected, err = mgr.HardDelete(ctx, out.Days)
	} else {
		if out.Days == 0 {
			out.Days = cfg.Retention.RetentionDays
		}
		out.Affected, err = mgr.ManualCleanup(ctx, out.Days)
	}
	if err != nil {
		fmt.Fprintf(stderr, "cleanup: %v\n", err)
		return 1
	}

	if err := json.NewEncoder(stdout).Encode(out); err != nil {
		fmt.Fprintf(stderr, "cleanup: %v\n", err)
		return 1
	}
	return 0
}
