// Package dedup merges a set of mbox files into one file holding each
// distinct message once.
//
// A run goes through scanning, hashing, reconciling, writing and done.
// Hashing parses every file concurrently into a private index; writing
// then re-reads one record per distinct fingerprint, checks the bytes
// against the disk fingerprint taken while parsing and appends them to
// the output.
package dedup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dhcgn/mbox-dedup/fingerprint"
	"github.com/dhcgn/mbox-dedup/index"
	"github.com/dhcgn/mbox-dedup/mbox"
	"github.com/dhcgn/mbox-dedup/model"
	"github.com/dhcgn/mbox-dedup/planner"
	"github.com/dhcgn/mbox-dedup/runner"
	"github.com/dhcgn/mbox-dedup/stats"
)

// Phase names a step of a run.
type Phase string

const (
	PhaseScanning    Phase = "scanning"
	PhaseHashing     Phase = "hashing"
	PhaseReconciling Phase = "reconciling"
	PhaseWriting     Phase = "writing"
	PhaseDone        Phase = "done"
)

const (
	// OutputName is the name part of the timestamped output file.
	OutputName = "deduplicated"
	// SideFileExt is the extension of diverted records.
	SideFileExt = "mboxrecord"

	recordLogInterval = 10000
)

// Options configures one run.
type Options struct {
	Files      []string
	HashSource model.HashSource
	// IndexPath is the SQLite file backing the index. Empty keeps the
	// index in memory.
	IndexPath string
	// OutputDir receives the output and any side files. Defaults to the
	// working directory.
	OutputDir string
	// Workers bounds concurrent file tasks; <= 0 means one per file.
	Workers int
	// Progress is called after every file, accepted or rejected, with a
	// monotonically increasing count. Calls are serialised.
	Progress func(completed, total int)
	Now      func() time.Time
}

// Result describes a finished run.
type Result struct {
	OutputPath string
	stats.Summary
	UniqueDisk   int
	UniqueParsed int
	Duration     time.Duration
}

// Run deduplicates opts.Files. Files that fail to parse are logged and
// skipped and records whose bytes changed on disk are diverted to side
// files; both still yield a result. Index failures abort the run.
func Run(ctx context.Context, opts Options, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	started := now()
	source := opts.HashSource
	if source == "" {
		source = model.HashSourceParsed
	}
	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = "."
	}

	var result Result

	logger.Info("dedup phase", "phase", PhaseScanning, "files", len(opts.Files), "hashSource", source)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return result, fmt.Errorf("create output directory: %w", err)
	}

	idx, err := index.Open(ctx, opts.IndexPath)
	if err != nil {
		return result, err
	}
	defer func() {
		if closeErr := idx.Close(); closeErr != nil {
			logger.Warn("close index", "path", opts.IndexPath, "err", closeErr)
		}
	}()
	// A persistent store may still hold an earlier run's records.
	if err := idx.Reset(ctx); err != nil {
		return result, err
	}

	logger.Info("dedup phase", "phase", PhaseHashing, "files", len(opts.Files))
	summary, err := hashFiles(ctx, idx, opts, logger)
	if err != nil {
		return result, err
	}
	result.Summary = summary

	logger.Info("dedup phase", "phase", PhaseReconciling)
	if result.UniqueDisk, err = idx.UniqueCount(ctx, true); err != nil {
		return result, err
	}
	if result.UniqueParsed, err = idx.UniqueCount(ctx, false); err != nil {
		return result, err
	}
	logger.Info("unique records", "source", model.HashSourceDisk, "count", result.UniqueDisk)
	logger.Info("unique records", "source", model.HashSourceParsed, "count", result.UniqueParsed)
	if result.UniqueDisk != result.UniqueParsed {
		logger.Warn("hash sources disagree, output depends on the hash source choice",
			"disk", result.UniqueDisk,
			"parsed", result.UniqueParsed,
			"using", source,
		)
	}

	logger.Info("dedup phase", "phase", PhaseWriting)
	outputPath, err := planner.NewFilename(outputDir, OutputName, "mbox", now())
	if err != nil {
		return result, err
	}
	written, err := writeUnique(ctx, idx, source.ByDisk(), outputPath, outputDir, logger)
	if err != nil {
		return result, err
	}
	result.OutputPath = outputPath
	result.Written = written.Written
	result.Mismatched = written.Mismatched
	result.Errors += written.Errors
	if written.LastError != nil {
		result.LastError = written.LastError
	}

	result.Duration = now().Sub(started)
	logger.Info("dedup phase", "phase", PhaseDone,
		"output", outputPath,
		"written", result.Written,
		"mismatched", result.Mismatched,
		"duration", result.Duration,
	)
	return result, nil
}

func hashFiles(ctx context.Context, idx *index.Index, opts Options, logger *slog.Logger) (stats.Summary, error) {
	r := runner.New(ctx, string(PhaseHashing), opts.Workers, logger)
	reporter := stats.NewReporter(string(PhaseHashing), r, logger)

	var (
		mu        sync.Mutex
		completed int
	)
	total := len(opts.Files)
	done := func() {
		mu.Lock()
		defer mu.Unlock()
		completed++
		if opts.Progress != nil {
			opts.Progress(completed, total)
		}
	}

	for _, file := range opts.Files {
		r.Go(file, func(ctx context.Context) error {
			records, err := HashFile(ctx, idx, file, logger)
			switch {
			case err == nil:
				logger.Info("hashed mbox file", "path", file, "records", records)
				r.EmitEvent(stats.Event{Stage: stats.StageHash, Type: stats.EventTypeScanned, Path: file, Records: records})
			case errors.Is(err, index.ErrStorage):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				logger.Error("skipping mbox file", "path", file, "records", records, "err", err)
				r.EmitEvent(stats.Event{Stage: stats.StageHash, Type: stats.EventTypeRejected, Path: file, Records: records, Err: err})
			}
			done()
			return nil
		})
	}

	if err := r.Wait(); err != nil {
		return stats.Summary{}, err
	}
	return reporter.Summary(), nil
}

// HashFile parses path and adds every record to idx. It returns the
// number of records added, which is also meaningful alongside an error.
func HashFile(ctx context.Context, idx *index.Index, path string, logger *slog.Logger) (int, error) {
	records := 0
	err := mbox.ParseFile(ctx, path, logger, func(msg *model.Message) error {
		pair := fingerprint.Of(msg)
		id := fingerprint.MessageIDHash(msg)
		err := idx.Add(ctx, index.Record{
			Hash:            pair.Parsed,
			DiskHash:        pair.Disk,
			MessageIndex:    msg.Index,
			MessageIDHeader: id.Header,
			MessageIDHash:   id.Hash,
			Location:        path,
			StartOffset:     msg.StartOffset,
			EndOffset:       msg.EndOffset,
		})
		if err != nil {
			return err
		}
		records++
		if records%recordLogInterval == 0 {
			logger.Debug("record counter", "path", path, "records", records)
		}
		return nil
	})
	return records, err
}

// writeUnique appends one verified record per distinct hash to
// outputPath. Records are separated by a blank line.
func writeUnique(ctx context.Context, idx *index.Index, byDisk bool, outputPath, sideDir string, logger *slog.Logger) (stats.Summary, error) {
	collector := stats.NewCollector()

	file, err := os.Create(outputPath)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("create output: %w", err)
	}
	defer file.Close()
	out := bufio.NewWriterSize(file, 256*1024)

	reader := mbox.NewRecordReader()
	defer reader.Close()

	endsWithNewline := true

	for hash, err := range idx.DistinctHashes(ctx, byDisk) {
		if err != nil {
			return collector.Snapshot(), err
		}
		locations, err := idx.RecordsForHash(ctx, hash, byDisk)
		if err != nil {
			return collector.Snapshot(), err
		}

		for _, loc := range locations {
			data, err := reader.Read(loc)
			if errors.Is(err, mbox.ErrInvalidRange) {
				return collector.Snapshot(), err
			}
			if err != nil {
				logger.Error("re-read record", "hash", hash, "path", loc.Location, "record", loc.MessageIndex, "start", loc.StartOffset, "end", loc.EndOffset, "err", err)
				collector.Apply(stats.Event{Stage: stats.StageWrite, Type: stats.EventTypeError, Path: loc.Location, Err: err})
				continue
			}

			fresh := fingerprint.Bytes(data)
			if fresh != loc.DiskHash {
				side := filepath.Join(sideDir, fmt.Sprintf("%s.orig-%s.%s", fresh, hash, SideFileExt))
				logger.Warn("record changed on disk, diverting",
					"hash", hash,
					"fresh", fresh,
					"path", loc.Location,
					"record", loc.MessageIndex,
					"start", loc.StartOffset,
					"end", loc.EndOffset,
					"read", len(data),
					"sideFile", side,
				)
				if err := os.WriteFile(side, data, 0o644); err != nil {
					return collector.Snapshot(), fmt.Errorf("write side file: %w", err)
				}
				collector.Apply(stats.Event{Stage: stats.StageWrite, Type: stats.EventTypeMismatch, Path: loc.Location})
				continue
			}

			if collector.Snapshot().Written > 0 {
				separator := "\n"
				if !endsWithNewline {
					separator = "\n\n"
				}
				if _, err := out.WriteString(separator); err != nil {
					return collector.Snapshot(), fmt.Errorf("write output: %w", err)
				}
			}
			if _, err := out.Write(data); err != nil {
				return collector.Snapshot(), fmt.Errorf("write output: %w", err)
			}
			endsWithNewline = bytes.HasSuffix(data, []byte("\n"))
			collector.Apply(stats.Event{Stage: stats.StageWrite, Type: stats.EventTypeWritten, Path: loc.Location})
			break
		}
	}

	if err := out.Flush(); err != nil {
		return collector.Snapshot(), fmt.Errorf("flush output: %w", err)
	}
	if err := file.Close(); err != nil {
		return collector.Snapshot(), fmt.Errorf("close output: %w", err)
	}
	summary := collector.Snapshot()
	logger.Info("wrote unique records", "output", outputPath, "records", summary.Written, "mismatched", summary.Mismatched)
	return summary, nil
}
