package model

import (
	"fmt"
	"strings"
)

// Message is one record parsed out of an mbox file. Header and body
// fragments are kept as the raw bytes read from disk so that hashes can be
// computed over exactly what the file contains.
type Message struct {
	Index         int
	StartOffset   int64
	EndOffset     int64
	FromLine      []byte
	Headers       Headers
	BodyLines     [][]byte
	RawLines      [][]byte
	ContentLength int
}

// Length is the number of bytes the record occupies on disk.
func (m *Message) Length() int64 {
	return m.EndOffset - m.StartOffset
}

// BodySize sums the bytes of all body fragments.
func (m *Message) BodySize() int {
	size := 0
	for _, line := range m.BodyLines {
		size += len(line)
	}
	return size
}

// Header is a single named header with every raw line captured for it.
type Header struct {
	Name      string
	Fragments [][]byte
}

// Headers is an ordered header list. A name that repeats, or a header that
// folds over several lines, accumulates fragments on the first entry.
type Headers struct {
	entries []*Header
	byName  map[string]*Header
}

// Add appends a fragment to the named header, creating it on first use.
func (h *Headers) Add(name string, fragment []byte) {
	if h.byName == nil {
		h.byName = make(map[string]*Header)
	}
	entry, ok := h.byName[name]
	if !ok {
		entry = &Header{Name: name}
		h.byName[name] = entry
		h.entries = append(h.entries, entry)
	}
	entry.Fragments = append(entry.Fragments, fragment)
}

// Get returns the header stored under the exact name.
func (h *Headers) Get(name string) (*Header, bool) {
	entry, ok := h.byName[name]
	return entry, ok
}

// Len returns the number of distinct headers.
func (h *Headers) Len() int {
	return len(h.entries)
}

// All returns headers in capture order.
func (h *Headers) All() []*Header {
	return h.entries
}

// FindPrefix returns the first header whose name starts with prefix,
// compared case-insensitively.
func (h *Headers) FindPrefix(prefix string) (*Header, bool) {
	prefix = strings.ToLower(prefix)
	for _, entry := range h.entries {
		if strings.HasPrefix(strings.ToLower(entry.Name), prefix) {
			return entry, true
		}
	}
	return nil, false
}

// Location describes where a fingerprinted record lives on disk.
type Location struct {
	Hash         string
	MessageIndex int
	Location     string
	StartOffset  int64
	EndOffset    int64
	Length       int64
	DiskHash     string
}

func (l Location) String() string {
	return fmt.Sprintf("%s[%d:%d]", l.Location, l.StartOffset, l.EndOffset)
}

// HashSource selects which fingerprint decides message identity.
type HashSource string

const (
	HashSourceDisk   HashSource = "disk"
	HashSourceParsed HashSource = "parsed"
)

// ParseHashSource validates a user supplied hash source name.
func ParseHashSource(s string) (HashSource, error) {
	switch HashSource(strings.ToLower(strings.TrimSpace(s))) {
	case HashSourceDisk:
		return HashSourceDisk, nil
	case HashSourceParsed, "":
		return HashSourceParsed, nil
	default:
		return "", fmt.Errorf("unknown hash source %q (want disk or parsed)", s)
	}
}

// ByDisk reports whether the disk fingerprint is authoritative.
func (s HashSource) ByDisk() bool {
	return s == HashSourceDisk
}
