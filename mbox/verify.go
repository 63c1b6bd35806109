package mbox

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/textproto"
)

// Verification summarises an independent read of a consolidated output.
type Verification struct {
	Messages         int
	MissingMessageID int
	MalformedHeaders int
}

// VerifyOutput re-splits an mbox file with a general purpose reader and
// counts its messages. It is a cross-check for files this package wrote,
// not a parser for arbitrary input.
func VerifyOutput(path string) (Verification, error) {
	file, err := os.Open(path)
	if err != nil {
		return Verification{}, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	var result Verification
	reader := mboxlib.NewReader(file)
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return result, nil
			}
			return result, fmt.Errorf("message %d: %w", result.Messages, err)
		}
		result.Messages++

		br := bufio.NewReader(msgReader)
		header, err := textproto.ReadHeader(br)
		if err != nil {
			result.MalformedHeaders++
		} else if strings.TrimSpace(header.Get("Message-Id")) == "" {
			result.MissingMessageID++
		}

		if _, err := io.Copy(io.Discard, br); err != nil {
			return result, fmt.Errorf("message %d read: %w", result.Messages-1, err)
		}
	}
}
