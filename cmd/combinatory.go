package cmd

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-dedup/combinatory"
	"github.com/dhcgn/mbox-dedup/config"
	"github.com/dhcgn/mbox-dedup/model"
	"github.com/dhcgn/mbox-dedup/progress"
)

var combinatoryCmd = &cobra.Command{
	Use:   "combinatory [location]",
	Short: "Deduplicate each folder group of a mailbox tree separately",
	Long: "Splits the mbox files under location into groups by folder pattern, " +
		"deduplicates every group in its own workspace and copies each result " +
		"back next to the group's folder with a _Dedup suffix.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd, args)
		if err != nil {
			return err
		}
		defer s.close()

		cfg := s.cfg.Combinatory
		source, err := model.ParseHashSource(cfg.HashSource)
		if err != nil {
			return err
		}

		files, err := s.discover()
		if err != nil {
			return err
		}

		bar := progress.New(100, "Deduplicating partitions", s.progressEnabled())
		orchestrator := combinatory.New(combinatory.Options{
			FolderPattern:   cfg.FolderPattern,
			Location:        s.cfg.Location,
			StorageLocation: cfg.StorageLocation,
			HashSource:      source,
			Workers:         cfg.Workers,
			ManifestPath:    cfg.ManifestPath,
			CopyBack:        cfg.CopyBack,
			Progress:        bar.SetPercent,
		}, combinatory.RLimit{}, s.logger)

		op, err := orchestrator.Run(cmd.Context(), files)
		bar.Stop()
		if err != nil {
			return fmt.Errorf("combinatory: %w", err)
		}

		if s.progressEnabled() && len(op.Partitions) > 0 {
			printOperation(op)
		}
		if failed := op.Failed(); failed > 0 {
			return fmt.Errorf("%d of %d partitions failed, see %s", failed, len(op.Partitions), op.Manifest)
		}
		return nil
	},
}

func init() {
	config.RegisterCombinatoryFlags(combinatoryCmd)
	rootCmd.AddCommand(combinatoryCmd)
}

func printOperation(op *combinatory.Operation) {
	data := pterm.TableData{{"Partition", "Files", "Records", "Written", "Mismatched", "Result"}}
	for _, p := range op.Partitions {
		result := p.Deduplicated
		if result == "" {
			result = p.Output
		}
		if p.Error != "" {
			result = "error: " + p.Error
		}
		data = append(data, []string{
			p.Key,
			strconv.Itoa(len(p.Files)),
			strconv.Itoa(p.Records),
			strconv.Itoa(p.Written),
			strconv.Itoa(p.Mismatched),
			result,
		})
	}

	pterm.Println()
	pterm.DefaultSection.Println("Combinatory summary")
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	pterm.Info.Printf("Manifest: %s\n", op.Manifest)
}
