// Package combinatory deduplicates a whole mailbox tree: it partitions the
// files by folder, runs one dedup per partition in its own workspace and
// copies each result back next to the folder it came from.
package combinatory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mbox-dedup/dedup"
	"github.com/dhcgn/mbox-dedup/model"
	"github.com/dhcgn/mbox-dedup/planner"
	"github.com/dhcgn/mbox-dedup/runner"
	"github.com/dhcgn/mbox-dedup/stats"
)

const (
	// ManifestFile is the default name of the operation manifest.
	ManifestFile = "combinatory_operation.json"
	// IndexFile is the index of each workspace.
	IndexFile = "hash.sqlite"
	// DedupSuffix marks copied back outputs.
	DedupSuffix = "_Dedup"

	maxWorkspaceName = 200
)

// Options configures an orchestrated run.
type Options struct {
	// FolderPattern splits the tree into partitions, e.g. ".sbd/".
	FolderPattern string
	// Location is the root of the scanned tree; recorded in manifests.
	Location string
	// StorageLocation holds the temporary workspaces. Defaults to the
	// system temp directory.
	StorageLocation string
	HashSource      model.HashSource
	// Workers bounds concurrent partitions and, within each partition,
	// concurrent files. <= 0 means unbounded.
	Workers int
	// ManifestPath overrides where the operation manifest is written.
	ManifestPath string
	// CopyBack places each output next to its partition's root file.
	CopyBack bool
	// Progress receives the completed share of partitions in percent.
	Progress func(pct float64)
	Now      func() time.Time
}

// PartitionResult is the outcome of one partition.
type PartitionResult struct {
	Key          string   `json:"key"`
	Root         string   `json:"root"`
	Files        []string `json:"files"`
	Workspace    string   `json:"workspace"`
	Output       string   `json:"output,omitempty"`
	Deduplicated string   `json:"deduplicated,omitempty"`
	Records      int      `json:"records"`
	Written      int      `json:"written"`
	Mismatched   int      `json:"mismatched"`
	Rejected     int      `json:"rejected"`
	Error        string   `json:"error,omitempty"`
}

// Operation describes a finished orchestrated run.
type Operation struct {
	RunID      string             `json:"run_id"`
	Pattern    string             `json:"pattern"`
	Location   string             `json:"location"`
	TempDir    string             `json:"temp_directory,omitempty"`
	Started    time.Time          `json:"started"`
	Finished   time.Time          `json:"finished"`
	FileBudget uint64             `json:"file_budget"`
	Plan       *planner.Plan      `json:"plan"`
	Partitions []*PartitionResult `json:"partitions"`
	Manifest   string             `json:"manifest,omitempty"`
}

// Failed counts partitions that produced no output.
func (o *Operation) Failed() int {
	failed := 0
	for _, p := range o.Partitions {
		if p.Error != "" {
			failed++
		}
	}
	return failed
}

// Orchestrator runs the partition, generate, dedup and copy-back steps.
type Orchestrator struct {
	opts   Options
	limits Limits
	logger *slog.Logger
}

func New(opts Options, limits Limits, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HashSource == "" {
		opts.HashSource = model.HashSourceParsed
	}
	return &Orchestrator{opts: opts, limits: limits, logger: logger}
}

// Run processes files. Workspace generation and limit failures abort the
// run; a partition whose dedup fails is recorded in the operation and
// does not stop the others.
func (o *Orchestrator) Run(ctx context.Context, files []string) (*Operation, error) {
	op := &Operation{
		RunID:    uuid.NewString(),
		Pattern:  o.opts.FolderPattern,
		Location: o.opts.Location,
		Started:  o.opts.Now(),
	}
	logger := o.logger.With("run", op.RunID)

	absFiles := make([]string, 0, len(files))
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return op, fmt.Errorf("resolve %s: %w", file, err)
		}
		absFiles = append(absFiles, abs)
	}

	since := time.Now()
	op.Plan = planner.Build(o.opts.FolderPattern, o.opts.Location, absFiles)
	logger.Info("planned partitions", "files", len(absFiles), "partitions", op.Plan.Len(), "duration", time.Since(since))
	if op.Plan.Len() == 0 {
		logger.Info("no data for deduplication")
		return op, nil
	}

	storage := o.opts.StorageLocation
	if storage == "" {
		storage = os.TempDir()
	}
	if err := os.MkdirAll(storage, 0o755); err != nil {
		return op, fmt.Errorf("create storage location: %w", err)
	}
	tempDir, err := os.MkdirTemp(storage, op.Started.UTC().Format("20060102_150405")+"_*_mbox-dedup")
	if err != nil {
		return op, fmt.Errorf("create workspace root: %w", err)
	}
	op.TempDir = tempDir
	logger.Info("using workspace root", "dir", tempDir)

	if err := o.generate(ctx, op, logger); err != nil {
		return op, err
	}

	for _, partition := range op.Plan.Partitions() {
		op.FileBudget += uint64(PerWorkspaceFiles + partition.Workspace.Counter)
	}
	if err := Raise(o.limits, op.FileBudget, logger); err != nil {
		return op, err
	}

	if err := o.dedup(ctx, op, logger); err != nil {
		return op, err
	}

	if o.opts.CopyBack {
		o.copyBack(op, logger)
	}

	op.Finished = o.opts.Now()
	op.Manifest = o.manifestPath(tempDir)
	if err := writeManifest(op.Manifest, op); err != nil {
		return op, err
	}
	logger.Info("operation complete",
		"partitions", len(op.Partitions),
		"failed", op.Failed(),
		"manifest", op.Manifest,
		"duration", op.Finished.Sub(op.Started),
	)
	return op, nil
}

func (o *Orchestrator) generate(ctx context.Context, op *Operation, logger *slog.Logger) error {
	r := runner.New(ctx, "generate", o.opts.Workers, logger)
	stats.NewReporter("generate", r, logger)

	for i, partition := range op.Plan.Partitions() {
		dir := filepath.Join(op.TempDir, WorkspaceDirName(i+1, partition.Key))
		ws := planner.NewWorkspace(o.opts.FolderPattern, partition.Root(), dir)
		partition.Workspace = ws

		r.Go(partition.Key, func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := planner.Generate(dir, partition.Files, ws); err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageGenerate, Type: stats.EventTypeError, Path: dir, Err: err})
				return err
			}
			logger.Debug("generated workspace", "key", partition.Key, "dir", dir, "links", ws.Counter)
			r.EmitEvent(stats.Event{Stage: stats.StageGenerate, Type: stats.EventTypeGenerated, Path: dir, Records: ws.Counter})
			return nil
		})
	}
	return r.Wait()
}

func (o *Orchestrator) dedup(ctx context.Context, op *Operation, logger *slog.Logger) error {
	partitions := op.Plan.Partitions()
	op.Partitions = make([]*PartitionResult, len(partitions))

	r := runner.New(ctx, "dedup", o.opts.Workers, logger)
	stats.NewReporter("dedup", r, logger)

	var (
		mu        sync.Mutex
		completed int
	)
	total := len(partitions)
	report := func() {
		mu.Lock()
		defer mu.Unlock()
		completed++
		pct := float64(completed) / float64(total) * 100
		logger.Info("combinatory progress", "completed", completed, "total", total, "percent", fmt.Sprintf("%.2f", pct))
		if o.opts.Progress != nil {
			o.opts.Progress(pct)
		}
	}

	for i, partition := range partitions {
		ws := partition.Workspace
		result := &PartitionResult{
			Key:       partition.Key,
			Root:      partition.Root(),
			Files:     partition.Files,
			Workspace: ws.Location.Output,
		}
		op.Partitions[i] = result

		r.Go(partition.Key, func(ctx context.Context) error {
			defer report()
			plogger := logger.With("partition", partition.Key)

			res, err := dedup.Run(ctx, dedup.Options{
				Files:      ws.Links(),
				HashSource: o.opts.HashSource,
				IndexPath:  filepath.Join(ws.Location.Output, IndexFile),
				OutputDir:  ws.Location.Output,
				Workers:    o.opts.Workers,
				Now:        o.opts.Now,
			}, plogger)
			result.Records = res.Records
			result.Rejected = res.Rejected
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				plogger.Error("partition failed", "workspace", ws.Location.Output, "err", err)
				result.Error = err.Error()
				r.EmitEvent(stats.Event{Stage: stats.StagePartition, Type: stats.EventTypeError, Path: partition.Key, Err: err})
				return nil
			}

			result.Output = res.OutputPath
			result.Written = res.Written
			result.Mismatched = res.Mismatched
			ws.Location.Mbox = res.OutputPath
			ws.Location.Plan = filepath.Join(ws.Location.Output, planner.PlanOutputFile)
			if err := partition.WriteFile(ws.Location.Plan); err != nil {
				plogger.Warn("write plan output", "path", ws.Location.Plan, "err", err)
			}
			r.EmitEvent(stats.Event{Stage: stats.StagePartition, Type: stats.EventTypeDeduped, Path: partition.Key, Records: res.Written})
			return nil
		})
	}
	return r.Wait()
}

// copyBack copies each output next to the partition's root file as
// "<root>_Dedup", adding a counter when that name is taken.
func (o *Orchestrator) copyBack(op *Operation, logger *slog.Logger) {
	for _, result := range op.Partitions {
		if result.Output == "" {
			logger.Info("no output to copy back", "partition", result.Key)
			continue
		}
		target, err := DedupTarget(result.Root)
		if err == nil {
			logger.Info("copying output back", "partition", result.Key, "from", result.Output, "to", target)
			err = copyFile(result.Output, target)
		}
		if err != nil {
			logger.Error("copy output back", "partition", result.Key, "err", err)
			result.Error = fmt.Sprintf("copy back: %v", err)
			continue
		}
		result.Deduplicated = target
	}
}

func (o *Orchestrator) manifestPath(tempDir string) string {
	switch {
	case o.opts.ManifestPath != "":
		return o.opts.ManifestPath
	case o.opts.StorageLocation != "":
		return filepath.Join(o.opts.StorageLocation, ManifestFile)
	default:
		return filepath.Join(tempDir, ManifestFile)
	}
}

// WorkspaceDirName derives a workspace directory name from a partition
// key: separators become underscores and ".sbd" is dropped. n keeps names
// unique when two keys flatten to the same text.
func WorkspaceDirName(n int, key string) string {
	name := strings.ReplaceAll(filepath.ToSlash(key), "/", "_")
	name = strings.ReplaceAll(name, ".sbd", "")
	name = strings.Trim(name, "_")
	if len(name) > maxWorkspaceName {
		name = name[len(name)-maxWorkspaceName:]
	}
	return fmt.Sprintf("%04d_%s%s", n, name, DedupSuffix)
}

// DedupTarget returns the first free name among "<root>_Dedup",
// "<root>_Dedup_001", ...
func DedupTarget(root string) (string, error) {
	base := root + DedupSuffix
	for counter := 0; counter <= planner.MaxLoop; counter++ {
		target := base
		if counter > 0 {
			target = fmt.Sprintf("%s_%03d", base, counter)
		}
		_, err := os.Lstat(target)
		if errors.Is(err, os.ErrNotExist) {
			return target, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", planner.ErrExcessiveLoop, base)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeManifest(path string, op *Operation) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}
	data, err := json.MarshalIndent(op, "", "    ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
