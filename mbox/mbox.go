// Package mbox reads Thunderbird style mbox files: it sniffs the dialect a
// file is written in, splits it into records with exact byte offsets and
// reads those byte ranges back later.
package mbox

import (
	"bytes"
	"errors"
	"regexp"
)

var (
	ErrInvalidFormat = errors.New("invalid mbox file format")
	ErrInvalidRange  = errors.New("invalid mbox record range")
)

// Compiled once; shared by every parser and detector.
var (
	messageStartPattern  = regexp.MustCompile(`^From - `)
	escapedStartPattern  = regexp.MustCompile(`^>\s?From - `)
	headerPattern        = regexp.MustCompile(`^([!-9;-~]+):(.*)$`)
	contentLengthPattern = regexp.MustCompile(`^Content-Length:`)
	boundaryPattern      = regexp.MustCompile(`(?i)boundary=(?:"([^"]*)"|([^";\s]+))`)
)

// Dialect is one of the four historical mbox conventions.
type Dialect int

const (
	MBOXO Dialect = iota
	MBOXRD
	MBOXCL
	MBOXCL2
)

func (d Dialect) String() string {
	switch d {
	case MBOXO:
		return "MBOXO"
	case MBOXRD:
		return "MBOXRD"
	case MBOXCL:
		return "MBOXCL"
	case MBOXCL2:
		return "MBOXCL2"
	default:
		return "unknown"
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
