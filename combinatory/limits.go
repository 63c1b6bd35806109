package combinatory

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrResourceLimit marks a failure to read or raise the open file limit.
var ErrResourceLimit = errors.New("open file limit")

const (
	softMargin = 100
	hardMargin = 200
)

// Limits reads and sets the process open file limit.
type Limits interface {
	Get() (soft, hard uint64, err error)
	Set(soft, hard uint64) error
}

// PerWorkspaceFiles is the number of descriptors a dedup run needs besides
// one per input link: the output, the index with its -wal and -shm files,
// and the record re-reader.
const PerWorkspaceFiles = 5

// Raise makes room for budget open files. A limit at or below budget is
// raised to budget plus a margin; the soft limit never exceeds the hard one.
func Raise(limits Limits, budget uint64, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	soft, hard, err := limits.Get()
	if err != nil {
		return fmt.Errorf("%w: read: %w", ErrResourceLimit, err)
	}

	newSoft, newHard := soft, hard
	if hard <= budget {
		newHard = budget + hardMargin
	}
	if soft <= budget {
		newSoft = budget + softMargin
	}
	if newSoft > newHard {
		newSoft = newHard
	}

	if newSoft == soft && newHard == hard {
		logger.Debug("open file limit sufficient", "budget", budget, "soft", soft, "hard", hard)
		return nil
	}

	logger.Info("raising open file limit",
		"budget", budget,
		"soft", soft,
		"hard", hard,
		"newSoft", newSoft,
		"newHard", newHard,
	)
	if err := limits.Set(newSoft, newHard); err != nil {
		return fmt.Errorf("%w: raise to soft=%d hard=%d: %w", ErrResourceLimit, newSoft, newHard, err)
	}
	return nil
}
