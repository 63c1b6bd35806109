package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-dedup/config"
	"github.com/dhcgn/mbox-dedup/filter"
	"github.com/dhcgn/mbox-dedup/mbox"
)

var rootCmd = &cobra.Command{
	Use:           "mbox-dedup",
	Short:         "Deduplicate messages across Thunderbird mbox files",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.RegisterGlobalFlags(rootCmd)
}

// Execute runs the command line until it finishes or is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// session is the state shared by a command run: merged configuration and
// the logger built from it.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	cleanup func() error
}

func newSession(cmd *cobra.Command, args []string) (*session, error) {
	cfg, err := config.LoadConfig(cmd, args)
	if err != nil {
		return nil, err
	}

	logger, cleanup, err := setupLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &session{cfg: cfg, logger: logger, cleanup: cleanup}, nil
}

func (s *session) close() {
	_ = s.cleanup()
}

// progressEnabled keeps the bar away from debug output.
func (s *session) progressEnabled() bool {
	return s.cfg.Log.Progress && s.cfg.Log.Level != "debug"
}

// discover lists candidate mailbox files under the configured location
// and applies the path filter.
func (s *session) discover() ([]string, error) {
	if s.cfg.Location == "" {
		return nil, fmt.Errorf("a mailbox location is required")
	}

	since := time.Now()
	files, err := mbox.FindMailboxFiles(s.cfg.Location, s.logger)
	if err != nil {
		return nil, err
	}

	f, err := filter.New(filter.Options{
		Include: s.cfg.Filter.Include,
		Exclude: s.cfg.Filter.Exclude,
	})
	if err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}
	if f.Active() {
		kept := f.Apply(files)
		s.logger.Info("filtered mbox files", "found", len(files), "kept", len(kept))
		files = kept
	}

	s.logger.Info("file search complete", "files", len(files), "duration", time.Since(since))
	return files, nil
}

// setupLogger writes to stdout, or to stderr while a progress bar owns
// stdout, and additionally to a timestamped file when a log dir is set.
func setupLogger(cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	var out io.Writer = os.Stdout
	if cfg.Progress {
		out = os.Stderr
	}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.Dir, fmt.Sprintf("mbox-dedup-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}
		out = io.MultiWriter(out, file)
		cleanup = file.Close
	}

	return slog.New(slog.NewTextHandler(out, opts)), cleanup, nil
}
