package planner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	// MappingFile is the manifest written into every workspace.
	MappingFile = "mapping.json"
	// PlanOutputFile records a partition after its dedup run.
	PlanOutputFile = "plan_output.json"
	// LinkExt is the extension of workspace links.
	LinkExt = "mbox"
)

// WorkspaceLocation points at everything a workspace relates to.
type WorkspaceLocation struct {
	Source string `json:"source"`
	Output string `json:"output"`
	Mbox   string `json:"mbox,omitempty"`
	Plan   string `json:"plan,omitempty"`
}

// Workspace is the manifest of one generated workspace.
type Workspace struct {
	Pattern  string            `json:"pattern"`
	Location WorkspaceLocation `json:"location"`
	FileMap  map[string]string `json:"file_map"`
	Counter  int               `json:"counter"`
	MapFile  string            `json:"map_file"`
}

// NewWorkspace returns an empty manifest for a workspace in output.
func NewWorkspace(pattern, source, output string) *Workspace {
	return &Workspace{
		Pattern: pattern,
		Location: WorkspaceLocation{
			Source: source,
			Output: output,
		},
		FileMap: make(map[string]string),
	}
}

// Links returns absolute link paths in link order.
func (w *Workspace) Links() []string {
	links := make([]string, 0, w.Counter)
	for i := 1; i <= w.Counter; i++ {
		name := LinkName(i)
		if _, ok := w.FileMap[name]; ok {
			links = append(links, filepath.Join(w.Location.Output, name))
		}
	}
	return links
}

// WriteFile writes the manifest as indented JSON.
func (w *Workspace) WriteFile(path string) error {
	return writeJSONFile(path, w)
}

// LinkName is the name of the n-th link, counting from 1.
func LinkName(n int) string {
	return fmt.Sprintf("%06d.%s", n, LinkExt)
}

// GenerationError reports a workspace that could not be fully wired.
type GenerationError struct {
	Dir    string
	Link   string
	Source string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Link == "" {
		return fmt.Sprintf("generate workspace %s: %v", e.Dir, e.Err)
	}
	return fmt.Sprintf("generate workspace %s: link %s -> %s: %v", e.Dir, e.Link, e.Source, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Generate creates dir if needed, links every file into it as a numbered
// link and writes the mapping manifest. Symbolic links among the sources
// are resolved first; a source that is not a regular file is rejected.
// Every failure is returned as a *GenerationError.
func Generate(dir string, files []string, ws *Workspace) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &GenerationError{Dir: dir, Err: err}
	}
	if ws.FileMap == nil {
		ws.FileMap = make(map[string]string)
	}
	ws.Location.Output = dir

	for i, file := range files {
		link := LinkName(i + 1)
		source, err := resolveSource(file)
		if err != nil {
			return &GenerationError{Dir: dir, Link: link, Source: file, Err: err}
		}
		if err := os.Symlink(source, filepath.Join(dir, link)); err != nil {
			return &GenerationError{Dir: dir, Link: link, Source: source, Err: err}
		}
		ws.FileMap[link] = source
		ws.Counter = i + 1
	}

	ws.MapFile = filepath.Join(dir, MappingFile)
	if err := ws.WriteFile(ws.MapFile); err != nil {
		return &GenerationError{Dir: dir, Err: err}
	}
	return nil
}

func resolveSource(file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", resolved)
	}
	return resolved, nil
}

// Link generates one workspace holding every file, in a fresh timestamped
// directory under parent.
func Link(parent, pattern, location string, files []string, now time.Time, logger *slog.Logger) (*Workspace, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dir, err := NewDirectory(parent, "dedup_planner", now)
	if err != nil {
		return nil, err
	}

	logger.Info("linking mbox files", "dir", dir, "files", len(files))
	ws := NewWorkspace(pattern, location, dir)
	if err := Generate(dir, files, ws); err != nil {
		return ws, err
	}
	return ws, nil
}
