package cmd

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-dedup/mbox"
	"github.com/dhcgn/mbox-dedup/model"
)

var detectCmd = &cobra.Command{
	Use:   "detect [mbox file]...",
	Short: "Show the mbox dialect of each file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd, nil)
		if err != nil {
			return err
		}
		defer s.close()

		data := pterm.TableData{{"File", "Dialect"}}
		for _, path := range args {
			dialect, err := mbox.DetectDialect(path, s.logger)
			if err != nil {
				s.logger.Error("detect dialect", "path", path, "err", err)
				data = append(data, []string{path, "error: " + err.Error()})
				continue
			}
			data = append(data, []string{path, dialect.String()})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [mbox file]...",
	Short: "Count the records of each file with the record parser and an independent reader",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd, nil)
		if err != nil {
			return err
		}
		defer s.close()

		data := pterm.TableData{{"File", "Records", "Messages", "Missing Message-ID", "Malformed headers"}}
		mismatched := 0
		for _, path := range args {
			records := 0
			err := mbox.ParseFile(cmd.Context(), path, s.logger, func(*model.Message) error {
				records++
				return nil
			})
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}

			check, err := mbox.VerifyOutput(path)
			if err != nil {
				return fmt.Errorf("verify %s: %w", path, err)
			}
			if check.Messages != records {
				mismatched++
				s.logger.Warn("record counts differ", "path", path, "parser", records, "reader", check.Messages)
			}
			data = append(data, []string{
				path,
				strconv.Itoa(records),
				strconv.Itoa(check.Messages),
				strconv.Itoa(check.MissingMessageID),
				strconv.Itoa(check.MalformedHeaders),
			})
		}

		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		if mismatched > 0 {
			return fmt.Errorf("%d of %d files have differing record counts", mismatched, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(verifyCmd)
}
