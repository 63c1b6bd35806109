package dedup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-dedup/fingerprint"
	"github.com/dhcgn/mbox-dedup/index"
	"github.com/dhcgn/mbox-dedup/mbox"
	"github.com/dhcgn/mbox-dedup/mbox/mboxtest"
	"github.com/dhcgn/mbox-dedup/model"
)

var discard = slog.New(slog.DiscardHandler)

var fixedNow = func() time.Time {
	return time.Date(2024, 3, 9, 10, 11, 12, 0, time.UTC)
}

func writeMbox(t *testing.T, path string, emails []mboxtest.Email) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, mboxtest.WriteFile(path, mboxtest.Options{}, emails))
	return path
}

func emailRange(from, to int) []mboxtest.Email {
	var emails []mboxtest.Email
	for i := from; i < to; i++ {
		emails = append(emails, mboxtest.NewEmail(i, mboxtest.Options{}))
	}
	return emails
}

func subjects(t *testing.T, path string) []string {
	t.Helper()
	var out []string
	err := mbox.ParseFile(context.Background(), path, nil, func(msg *model.Message) error {
		header, ok := msg.Headers.Get("Subject")
		require.True(t, ok)
		out = append(out, strings.TrimSpace(strings.TrimPrefix(string(header.Fragments[0]), "Subject:")))
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestRunMergesDuplicates(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeMbox(t, filepath.Join(dir, "in", "Inbox"), emailRange(0, 5)),
		writeMbox(t, filepath.Join(dir, "in", "Archive"), emailRange(3, 8)),
		writeMbox(t, filepath.Join(dir, "in", "Sent"), emailRange(6, 8)),
	}
	outDir := filepath.Join(dir, "out")

	result, err := Run(context.Background(), Options{
		Files:     files,
		OutputDir: outDir,
		Workers:   1,
		Now:       fixedNow,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "20240309_101112_deduplicated.mbox"), result.OutputPath)
	assert.Equal(t, 3, result.Files)
	assert.Zero(t, result.Rejected)
	assert.Equal(t, 12, result.Records)
	assert.Equal(t, 8, result.UniqueDisk)
	assert.Equal(t, 8, result.UniqueParsed)
	assert.Equal(t, 8, result.Written)
	assert.Zero(t, result.Mismatched)
	assert.Zero(t, result.Errors)

	// Sequential hashing keeps first-seen order in the output.
	want := make([]string, 0, 8)
	for _, email := range emailRange(0, 8) {
		for _, h := range email.Headers {
			if h.Name == "Subject" {
				want = append(want, h.Value)
			}
		}
	}
	assert.Equal(t, want, subjects(t, result.OutputPath))

	verification, err := mbox.VerifyOutput(result.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, 8, verification.Messages)
	assert.Zero(t, verification.MissingMessageID)
}

func TestRunOutputIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeMbox(t, filepath.Join(dir, "a"), emailRange(0, 4)),
		writeMbox(t, filepath.Join(dir, "b"), emailRange(2, 6)),
	}

	first, err := Run(context.Background(), Options{Files: files, OutputDir: filepath.Join(dir, "first"), Workers: 1, Now: fixedNow}, nil)
	require.NoError(t, err)
	require.Equal(t, 6, first.Written)

	second, err := Run(context.Background(), Options{Files: []string{first.OutputPath}, OutputDir: filepath.Join(dir, "second"), Now: fixedNow}, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, second.Records)
	assert.Equal(t, 6, second.Written)

	a, err := os.ReadFile(first.OutputPath)
	require.NoError(t, err)
	b, err := os.ReadFile(second.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRunSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("Subject: not an mbox\n\nbody\n"), 0o644))
	files := []string{
		writeMbox(t, filepath.Join(dir, "good"), emailRange(0, 3)),
		bad,
		filepath.Join(dir, "missing"),
	}

	result, err := Run(context.Background(), Options{Files: files, OutputDir: dir, Now: fixedNow}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Files)
	assert.Equal(t, 2, result.Rejected)
	assert.Error(t, result.LastError)
	assert.Equal(t, 3, result.Written)
}

func TestRunEmptyInput(t *testing.T) {
	dir := t.TempDir()
	result, err := Run(context.Background(), Options{OutputDir: dir, Now: fixedNow}, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Written)

	info, err := os.Stat(result.OutputPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestRunHashSource(t *testing.T) {
	read := mboxtest.NewEmail(1, mboxtest.Options{})
	read.SetHeader("X-Mozilla-Status", "0001")
	unread := mboxtest.NewEmail(1, mboxtest.Options{})
	unread.SetHeader("X-Mozilla-Status", "0000")

	dir := t.TempDir()
	files := []string{
		writeMbox(t, filepath.Join(dir, "a"), []mboxtest.Email{read}),
		writeMbox(t, filepath.Join(dir, "b"), []mboxtest.Email{unread}),
	}

	tests := []struct {
		source model.HashSource
		want   int
	}{
		{source: model.HashSourceParsed, want: 1},
		{source: model.HashSourceDisk, want: 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.source), func(t *testing.T) {
			result, err := Run(context.Background(), Options{
				Files:      files,
				HashSource: tt.source,
				OutputDir:  filepath.Join(dir, string(tt.source)),
				Now:        fixedNow,
			}, nil)
			require.NoError(t, err)
			assert.Equal(t, 2, result.UniqueDisk)
			assert.Equal(t, 1, result.UniqueParsed)
			assert.Equal(t, tt.want, result.Written)
		})
	}
}

func TestRunPersistentIndex(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "work", "hash.sqlite")
	files := []string{writeMbox(t, filepath.Join(dir, "a"), emailRange(0, 3))}

	_, err := Run(context.Background(), Options{Files: files, IndexPath: indexPath, OutputDir: dir, Now: fixedNow}, nil)
	require.NoError(t, err)

	idx, err := index.Open(context.Background(), indexPath)
	require.NoError(t, err)
	defer idx.Close()
	count, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRunPersistentIndexStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "hash.sqlite")
	a := writeMbox(t, filepath.Join(dir, "a"), emailRange(0, 3))
	b := writeMbox(t, filepath.Join(dir, "b"), emailRange(10, 12))

	_, err := Run(context.Background(), Options{Files: []string{a}, IndexPath: indexPath, OutputDir: filepath.Join(dir, "first"), Now: fixedNow}, nil)
	require.NoError(t, err)

	// a disappears between the runs; nothing of it may be read back.
	require.NoError(t, os.Remove(a))

	result, err := Run(context.Background(), Options{Files: []string{b}, IndexPath: indexPath, OutputDir: filepath.Join(dir, "second"), Now: fixedNow}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Records)
	assert.Equal(t, 2, result.UniqueDisk)
	assert.Equal(t, 2, result.UniqueParsed)
	assert.Equal(t, 2, result.Written)
	assert.Zero(t, result.Errors)
	assert.Zero(t, result.Mismatched)
	assert.Equal(t, subjects(t, b), subjects(t, result.OutputPath))
}

func TestRunTwiceOnSameInput(t *testing.T) {
	tests := map[string]bool{
		"memory":     false,
		"persistent": true,
	}
	for name, persistent := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			files := []string{
				writeMbox(t, filepath.Join(dir, "in", "a"), emailRange(0, 5)),
				writeMbox(t, filepath.Join(dir, "in", "b"), emailRange(3, 7)),
			}
			var indexPath string
			if persistent {
				indexPath = filepath.Join(dir, "hash.sqlite")
			}

			var results []Result
			for _, out := range []string{"first", "second"} {
				result, err := Run(context.Background(), Options{
					Files:     files,
					IndexPath: indexPath,
					OutputDir: filepath.Join(dir, out),
					Workers:   1,
					Now:       fixedNow,
				}, nil)
				require.NoError(t, err)
				results = append(results, result)
			}

			first, second := results[0], results[1]
			assert.Equal(t, 7, first.UniqueDisk)
			assert.Equal(t, first.UniqueDisk, second.UniqueDisk)
			assert.Equal(t, first.UniqueParsed, second.UniqueParsed)
			assert.Equal(t, first.Records, second.Records)
			assert.Equal(t, first.Written, second.Written)

			a, err := os.ReadFile(first.OutputPath)
			require.NoError(t, err)
			b, err := os.ReadFile(second.OutputPath)
			require.NoError(t, err)
			assert.Equal(t, string(a), string(b))
		})
	}
}

func TestRunProgress(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files = append(files, writeMbox(t, filepath.Join(dir, name), emailRange(0, 2)))
	}
	files = append(files, filepath.Join(dir, "missing"))

	var (
		mu    sync.Mutex
		calls []int
	)
	_, err := Run(context.Background(), Options{
		Files:     files,
		OutputDir: dir,
		Workers:   3,
		Now:       fixedNow,
		Progress: func(completed, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 6, total)
			calls = append(calls, completed)
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, calls)
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	files := []string{writeMbox(t, filepath.Join(dir, "a"), emailRange(0, 3))}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Options{Files: files, OutputDir: dir, Now: fixedNow}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteUniqueDivertsChangedRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := writeMbox(t, filepath.Join(dir, "a"), emailRange(0, 3))
	b := writeMbox(t, filepath.Join(dir, "b"), emailRange(1, 2))

	idx, err := index.Open(ctx, index.MemoryPath)
	require.NoError(t, err)
	defer idx.Close()

	var ends []int64
	for _, path := range []string{a, b} {
		_, err := HashFile(ctx, idx, path, discard)
		require.NoError(t, err)
	}
	require.NoError(t, mbox.ParseFile(ctx, a, nil, func(msg *model.Message) error {
		ends = append(ends, msg.EndOffset)
		return nil
	}))

	// Change the last body character of the first two records of a
	// without changing its length.
	content, err := os.ReadFile(a)
	require.NoError(t, err)
	content[ends[0]-2] = '#'
	content[ends[1]-2] = '#'
	require.NoError(t, os.WriteFile(a, content, 0o644))

	sideDir := filepath.Join(dir, "side")
	require.NoError(t, os.Mkdir(sideDir, 0o755))
	output := filepath.Join(dir, "out.mbox")

	summary, err := writeUnique(ctx, idx, false, output, sideDir, discard)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Mismatched)
	assert.Equal(t, 2, summary.Written, "record 1 falls back to the copy in b")

	sides, err := filepath.Glob(filepath.Join(sideDir, "*."+SideFileExt))
	require.NoError(t, err)
	require.Len(t, sides, 2)
	for _, side := range sides {
		data, err := os.ReadFile(side)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(filepath.Base(side), fingerprint.Bytes(data)+".orig-"))
	}

	got := subjects(t, output)
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "1")
	assert.Contains(t, got[1], "2")
}

func TestWriteUniqueSeparatesUnterminatedRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("From - x\nSubject: a\n\nno newline"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("From - x\nSubject: b\n\nbody\n"), 0o644))

	idx, err := index.Open(ctx, index.MemoryPath)
	require.NoError(t, err)
	defer idx.Close()
	for _, path := range []string{a, b} {
		_, err := HashFile(ctx, idx, path, discard)
		require.NoError(t, err)
	}

	output := filepath.Join(dir, "out.mbox")
	summary, err := writeUnique(ctx, idx, true, output, dir, discard)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Written)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "From - x\nSubject: a\n\nno newline\n\nFrom - x\nSubject: b\n\nbody\n", string(data))
	assert.Equal(t, []string{"a", "b"}, subjects(t, output))
}
