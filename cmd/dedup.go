package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-dedup/config"
	"github.com/dhcgn/mbox-dedup/dedup"
	"github.com/dhcgn/mbox-dedup/mbox"
	"github.com/dhcgn/mbox-dedup/model"
	"github.com/dhcgn/mbox-dedup/progress"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup [location]",
	Short: "Merge every mbox file under location into one deduplicated mbox",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd, args)
		if err != nil {
			return err
		}
		defer s.close()

		cfg := s.cfg.Dedup
		source, err := model.ParseHashSource(cfg.HashSource)
		if err != nil {
			return err
		}

		files, err := s.discover()
		if err != nil {
			return err
		}

		bar := progress.New(len(files), "Hashing mbox files", s.progressEnabled())
		result, err := dedup.Run(cmd.Context(), dedup.Options{
			Files:      files,
			HashSource: source,
			IndexPath:  cfg.HashStorage,
			OutputDir:  cfg.OutputDir,
			Workers:    cfg.Workers,
			Progress:   bar.Track,
		}, s.logger)
		bar.Stop()
		if err != nil {
			return fmt.Errorf("dedup: %w", err)
		}

		if s.progressEnabled() {
			progress.PrintSummary("Dedup summary", result.Summary, result.Duration)
		}

		if cfg.Verify {
			check, err := mbox.VerifyOutput(result.OutputPath)
			if err != nil {
				return fmt.Errorf("verify %s: %w", result.OutputPath, err)
			}
			if check.Messages != result.Written {
				s.logger.Warn("output verification count differs", "output", result.OutputPath, "written", result.Written, "read", check.Messages)
			} else {
				s.logger.Info("output verified", "output", result.OutputPath, "messages", check.Messages, "missingMessageID", check.MissingMessageID)
			}
		}
		return nil
	},
}

func init() {
	config.RegisterDedupFlags(dedupCmd)
	rootCmd.AddCommand(dedupCmd)
}
