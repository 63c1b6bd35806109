// Package planner splits a mailbox tree into independent partitions and
// materialises each one as a workspace of numbered symbolic links.
package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Partition is one group of files deduplicated together.
type Partition struct {
	Key       string     `json:"-"`
	Location  string     `json:"location"`
	Files     []string   `json:"files"`
	Workspace *Workspace `json:"combinatory,omitempty"`
}

// Root is the first file of the partition in discovery order. Outputs are
// placed next to it.
func (p *Partition) Root() string {
	if len(p.Files) == 0 {
		return ""
	}
	return p.Files[0]
}

// WriteFile writes the partition, including its workspace, as indented
// JSON.
func (p *Partition) WriteFile(path string) error {
	return writeJSONFile(path, p)
}

// Plan maps partition keys to partitions in the order keys were first
// seen. It is not modified after Build, apart from workspaces attached by
// the orchestrator.
type Plan struct {
	Pattern  string
	Location string

	keys       []string
	partitions map[string]*Partition
}

// PartitionKey returns the suffix of path starting at the last occurrence
// of pattern. Without an occurrence, or with an empty pattern, the whole
// path is the key.
func PartitionKey(pattern, path string) string {
	if pattern == "" {
		return path
	}
	i := strings.LastIndex(path, pattern)
	if i < 0 {
		return path
	}
	return path[i:]
}

// Build groups files by PartitionKey. files are expected to be absolute.
func Build(pattern, location string, files []string) *Plan {
	plan := &Plan{
		Pattern:    pattern,
		Location:   location,
		partitions: make(map[string]*Partition),
	}
	for _, file := range files {
		key := PartitionKey(pattern, file)
		partition, ok := plan.partitions[key]
		if !ok {
			partition = &Partition{Key: key, Location: location}
			plan.partitions[key] = partition
			plan.keys = append(plan.keys, key)
		}
		partition.Files = append(partition.Files, file)
	}
	return plan
}

// Len returns the number of partitions.
func (p *Plan) Len() int {
	return len(p.keys)
}

// Keys returns partition keys in first-seen order.
func (p *Plan) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Get returns the partition for key.
func (p *Plan) Get(key string) (*Partition, bool) {
	partition, ok := p.partitions[key]
	return partition, ok
}

// Partitions returns partitions in first-seen order.
func (p *Plan) Partitions() []*Partition {
	out := make([]*Partition, 0, len(p.keys))
	for _, key := range p.keys {
		out = append(out, p.partitions[key])
	}
	return out
}

// MarshalJSON writes {"location": ..., "planning": {key: partition}} with
// the planning keys in first-seen order.
func (p *Plan) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"pattern":`)
	if err := writeJSON(&buf, p.Pattern); err != nil {
		return nil, err
	}
	buf.WriteString(`,"location":`)
	if err := writeJSON(&buf, p.Location); err != nil {
		return nil, err
	}
	buf.WriteString(`,"planning":{`)
	for i, key := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(&buf, key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSON(&buf, p.partitions[key]); err != nil {
			return nil, err
		}
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// WriteFile writes the plan as indented JSON.
func (p *Plan) WriteFile(path string) error {
	return writeJSONFile(path, p)
}

func writeJSON(buf *bytes.Buffer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
