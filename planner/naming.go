package planner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MaxLoop bounds the collision counter of NewDirectory and NewFilename.
const MaxLoop = 100_000_000

var ErrExcessiveLoop = errors.New("too many iterations to find a free name")

const timestampLayout = "20060102_150405"

// GenerateName builds "<UTC timestamp>[_NNN]_<name>[.<ext>]". The counter
// suffix is only added for counter > 0.
func GenerateName(t time.Time, name, ext string, counter int) string {
	stamp := t.UTC().Format(timestampLayout)
	if counter > 0 {
		stamp = fmt.Sprintf("%s_%03d", stamp, counter)
	}
	if ext == "" {
		return stamp + "_" + name
	}
	return stamp + "_" + name + "." + ext
}

// NewDirectory creates a fresh timestamped directory under parent and
// returns its path.
func NewDirectory(parent, name string, now time.Time) (string, error) {
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", parent, err)
	}
	for counter := 0; counter <= MaxLoop; counter++ {
		dir := filepath.Join(parent, GenerateName(now, name, "", counter))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return "", fmt.Errorf("%w: directory %s under %s", ErrExcessiveLoop, name, parent)
}

// NewFilename returns a timestamped path under dir that does not exist
// yet. The file itself is not created.
func NewFilename(dir, name, ext string, now time.Time) (string, error) {
	for counter := 0; counter <= MaxLoop; counter++ {
		path := filepath.Join(dir, GenerateName(now, name, ext, counter))
		_, err := os.Lstat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("%w: file %s.%s under %s", ErrExcessiveLoop, name, ext, dir)
}
