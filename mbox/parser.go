package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dhcgn/mbox-dedup/model"
)

// State is the position of the parser within the current record.
type State int

const (
	StateFileStart State = iota
	StateHeaders
	StateBodyBeforeBoundary
	StateBodyAfterBoundary
)

func (s State) String() string {
	switch s {
	case StateFileStart:
		return "file-start"
	case StateHeaders:
		return "headers"
	case StateBodyBeforeBoundary:
		return "body"
	case StateBodyAfterBoundary:
		return "body-after-boundary"
	default:
		return "unknown"
	}
}

func (s State) inBody() bool {
	return s == StateBodyBeforeBoundary || s == StateBodyAfterBoundary
}

// Parser splits an mbox stream into records in a single forward pass. It
// never buffers more than the record being built.
type Parser struct {
	reader *bufio.Reader
	path   string
	logger *slog.Logger

	offset  int64
	state   State
	index   int
	current *model.Message

	headerName string
	boundary   []byte
	sawBlank   bool

	lastBlank       bool
	lastBlankInBody bool
	lastBlankOffset int64

	done bool
	err  error
}

// NewParser wraps r. path is only used for log context.
func NewParser(r io.Reader, path string, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Parser{
		reader: bufio.NewReaderSize(r, 64*1024),
		path:   path,
		logger: logger,
		state:  StateFileStart,
	}
}

// State returns the current parser state.
func (p *Parser) State() State {
	return p.state
}

// Next returns the next complete record. It returns io.EOF once the final
// record has been returned, and an error wrapping ErrInvalidFormat when the
// stream does not start with a message delimiter.
func (p *Parser) Next() (*model.Message, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.done {
		return nil, io.EOF
	}

	for {
		line, err := p.reader.ReadBytes('\n')
		if len(line) > 0 {
			start := p.offset
			p.offset += int64(len(line))
			msg, consumeErr := p.consume(line, start)
			if consumeErr != nil {
				p.err = consumeErr
				return nil, consumeErr
			}
			if msg != nil {
				return msg, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return p.finish()
			}
			p.err = fmt.Errorf("read %s at offset %d: %w", p.path, p.offset, err)
			return nil, p.err
		}
	}
}

func (p *Parser) consume(line []byte, start int64) (*model.Message, error) {
	text := trimEOL(line)

	if p.state == StateFileStart {
		if !messageStartPattern.Match(text) {
			return nil, fmt.Errorf("%w: %s: first line %q is not a message start", ErrInvalidFormat, p.path, truncate(text, 80))
		}
		p.begin(line, start)
		return nil, nil
	}

	blank := len(text) == 0

	if p.state == StateHeaders {
		if blank {
			p.sawBlank = true
			p.appendRaw(line, start, true, false)
			return nil, nil
		}

		header := headerPattern.FindSubmatch(text)
		switch {
		case p.lastBlank && messageStartPattern.Match(text):
			// A boundary that never shows up must not swallow the next record.
		case p.boundary != nil && bytes.HasPrefix(text, p.boundary):
			p.state = StateBodyAfterBoundary
		case p.sawBlank && header == nil && p.boundary == nil:
			p.state = StateBodyBeforeBoundary
		default:
			p.sawBlank = false
			p.addHeaderLine(line, start, header)
			return nil, nil
		}
	}

	if messageStartPattern.Match(text) && p.lastBlank {
		done := p.complete()
		p.begin(line, start)
		return done, nil
	}

	p.current.BodyLines = append(p.current.BodyLines, line)
	p.appendRaw(line, start, blank, true)
	return nil, nil
}

func (p *Parser) begin(line []byte, start int64) {
	p.current = &model.Message{
		Index:       p.index,
		StartOffset: start,
		FromLine:    line,
		RawLines:    [][]byte{line},
	}
	p.index++
	p.state = StateHeaders
	p.headerName = ""
	p.boundary = nil
	p.sawBlank = false
	p.lastBlank = false
	p.lastBlankInBody = false
}

func (p *Parser) appendRaw(line []byte, start int64, blank, body bool) {
	p.current.RawLines = append(p.current.RawLines, line)
	p.lastBlank = blank
	p.lastBlankInBody = blank && body
	if blank {
		p.lastBlankOffset = start
	}
}

func (p *Parser) addHeaderLine(line []byte, start int64, header [][]byte) {
	if header != nil {
		p.headerName = string(header[1])
	}
	p.current.Headers.Add(p.headerName, line)
	p.appendRaw(line, start, false, false)

	switch {
	case strings.EqualFold(p.headerName, "Content-Type"):
		p.scanBoundary()
	case strings.EqualFold(p.headerName, "Content-Length") && header != nil:
		value := strings.TrimSpace(string(header[2]))
		n, err := strconv.Atoi(value)
		if err != nil {
			p.logger.Debug("unparsable content-length", "path", p.path, "record", p.current.Index, "value", value)
			return
		}
		p.current.ContentLength = n
	}
}

// scanBoundary looks for a boundary parameter in everything captured so far
// for the Content-Type header, which may be folded over several lines.
func (p *Parser) scanBoundary() {
	entry, ok := p.current.Headers.Get(p.headerName)
	if !ok {
		return
	}
	value := bytes.Join(entry.Fragments, nil)
	match := boundaryPattern.FindSubmatch(value)
	if match == nil {
		return
	}
	marker := match[1]
	if len(marker) == 0 {
		marker = match[2]
	}
	if len(marker) == 0 {
		return
	}
	p.boundary = append([]byte("--"), marker...)
}

// complete closes the current record at the blank line preceding the next
// delimiter. That blank line separates records and belongs to neither.
func (p *Parser) complete() *model.Message {
	msg := p.current
	if p.lastBlank {
		msg.RawLines = msg.RawLines[:len(msg.RawLines)-1]
		if p.lastBlankInBody {
			msg.BodyLines = msg.BodyLines[:len(msg.BodyLines)-1]
		}
		msg.EndOffset = p.lastBlankOffset
	} else {
		msg.EndOffset = p.offset
	}
	p.checkContentLength(msg)
	p.current = nil
	return msg
}

func (p *Parser) finish() (*model.Message, error) {
	p.done = true
	if p.current == nil {
		if p.state == StateFileStart {
			p.err = fmt.Errorf("%w: %s: no message start found", ErrInvalidFormat, p.path)
			return nil, p.err
		}
		return nil, io.EOF
	}
	msg := p.current
	msg.EndOffset = p.offset
	p.checkContentLength(msg)
	p.current = nil
	return msg, nil
}

func (p *Parser) checkContentLength(msg *model.Message) {
	if msg.ContentLength == 0 {
		return
	}
	if size := msg.BodySize(); size != msg.ContentLength {
		p.logger.Debug("content-length mismatch",
			"path", p.path,
			"record", msg.Index,
			"start", msg.StartOffset,
			"end", msg.EndOffset,
			"declared", msg.ContentLength,
			"body", size,
			"delta", size-msg.ContentLength,
		)
	}
}

// ParseFile streams every record of the file at path through fn.
func ParseFile(ctx context.Context, path string, logger *slog.Logger, fn func(*model.Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	parser := NewParser(file, path, logger)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := parser.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
