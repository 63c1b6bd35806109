package mbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dhcgn/mbox-dedup/model"
)

// ReadRecord reads the byte range described by loc. A short read at end of
// file returns what was available; callers compare digests to notice it.
func ReadRecord(r io.ReaderAt, loc model.Location) ([]byte, error) {
	length := loc.EndOffset - loc.StartOffset
	if length <= 0 {
		return nil, fmt.Errorf("%w: %s has length %d", ErrInvalidRange, loc, length)
	}

	buf := make([]byte, length)
	n, err := r.ReadAt(buf, loc.StartOffset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return buf[:n], nil
		}
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}
	return buf, nil
}

// RecordReader re-reads records, keeping one open handle per source file
// until Close.
type RecordReader struct {
	mu    sync.Mutex
	files map[string]*os.File
}

func NewRecordReader() *RecordReader {
	return &RecordReader{files: make(map[string]*os.File)}
}

func (r *RecordReader) Read(loc model.Location) ([]byte, error) {
	file, err := r.open(loc.Location)
	if err != nil {
		return nil, err
	}
	return ReadRecord(file, loc)
}

func (r *RecordReader) open(path string) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if file, ok := r.files[path]; ok {
		return file, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	r.files[path] = file
	return file, nil
}

// Close closes every cached handle.
func (r *RecordReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, file := range r.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", path, err)
		}
		delete(r.files, path)
	}
	return firstErr
}
