package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// MaxDetectRecords bounds how many delimiter lines the detector looks at.
const MaxDetectRecords = 1000

// DetectDialect classifies the file at path.
func DetectDialect(path string, logger *slog.Logger) (Dialect, error) {
	file, err := os.Open(path)
	if err != nil {
		return MBOXO, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	dialect, err := DetectDialectReader(file, logger)
	if err != nil {
		return MBOXO, fmt.Errorf("detect %s: %w", path, err)
	}
	return dialect, nil
}

// DetectDialectReader classifies the stream using two signals: whether
// delimiter lines are escaped with a leading '>' and whether any message
// carries a Content-Length header. The escaping signal takes whatever
// value the last delimiter seen had, so a file mixing conventions resolves
// to the tail of the scanned window.
func DetectDialectReader(r io.Reader, logger *slog.Logger) (Dialect, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	reader := bufio.NewReader(r)
	var (
		inMessage        bool
		prefixed         bool
		hasContentLength bool
		delimiters       int
	)

	for delimiters <= MaxDetectRecords {
		raw, err := reader.ReadBytes('\n')
		if len(raw) > 0 {
			line := bytes.TrimSpace(raw)
			switch {
			case escapedStartPattern.Match(line):
				inMessage = true
				prefixed = true
				delimiters++
			case messageStartPattern.Match(line):
				inMessage = true
				prefixed = false
				delimiters++
			case inMessage && contentLengthPattern.Match(line):
				if !hasContentLength {
					logger.Debug("content-length header seen", "line", truncate(line, 80))
				}
				hasContentLength = true
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return MBOXO, err
		}
	}

	dialect := MBOXO
	switch {
	case prefixed && hasContentLength:
		dialect = MBOXCL
	case prefixed:
		dialect = MBOXRD
	case hasContentLength:
		dialect = MBOXCL2
	}

	logger.Debug("mbox dialect detected", "dialect", dialect, "prefixed", prefixed, "contentLength", hasContentLength, "delimiters", delimiters)
	return dialect, nil
}
