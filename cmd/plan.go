package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-dedup/config"
	"github.com/dhcgn/mbox-dedup/planner"
)

var planCmd = &cobra.Command{
	Use:   "plan [location]",
	Short: "Write the partition plan for a mailbox tree without running it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd, args)
		if err != nil {
			return err
		}
		defer s.close()

		files, err := s.discover()
		if err != nil {
			return err
		}

		since := time.Now()
		plan := planner.Build(s.cfg.Plan.FolderPattern, s.cfg.Location, files)
		s.logger.Info("planned partitions", "pattern", s.cfg.Plan.FolderPattern, "files", len(files), "partitions", plan.Len(), "duration", time.Since(since))

		path, err := planner.NewFilename(s.cfg.Plan.OutputDir, "dedup_preplanner", "json", time.Now())
		if err != nil {
			return err
		}
		if err := plan.WriteFile(path); err != nil {
			return fmt.Errorf("write plan: %w", err)
		}
		s.logger.Info("plan written", "path", path)
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:   "link [location]",
	Short: "Link every mbox file under location into one numbered workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd, args)
		if err != nil {
			return err
		}
		defer s.close()

		files, err := s.discover()
		if err != nil {
			return err
		}

		pattern := strings.Join(s.cfg.Filter.Include, "|")
		ws, err := planner.Link(s.cfg.Plan.OutputDir, pattern, s.cfg.Location, files, time.Now(), s.logger)
		if err != nil {
			return err
		}
		s.logger.Info("workspace linked", "dir", ws.Location.Output, "links", ws.Counter, "mapping", ws.MapFile)
		return nil
	},
}

func init() {
	config.RegisterPlanFlags(planCmd)
	config.RegisterLinkFlags(linkCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(linkCmd)
}
