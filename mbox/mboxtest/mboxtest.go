// Package mboxtest writes deterministic mbox files in each dialect for
// tests.
package mboxtest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// FromDate is the timestamp used on every generated delimiter line.
const FromDate = "Mon Jan 02 15:04:05 2006"

// Options selects the dialect features of a generated file.
type Options struct {
	// Escaped writes delimiter lines as "> From - ..." instead of "From - ...".
	Escaped       bool
	ContentLength bool
	Boundaries    bool
}

// Header is one header line.
type Header struct {
	Name  string
	Value string
}

// Email is a message before it is laid out in an mbox file.
type Email struct {
	Headers []Header
	Body    string
}

// SetHeader replaces the first header with the given name or appends it.
func (e *Email) SetHeader(name, value string) {
	for i := range e.Headers {
		if e.Headers[i].Name == name {
			e.Headers[i].Value = value
			return
		}
	}
	e.Headers = append(e.Headers, Header{Name: name, Value: value})
}

// RemoveHeader drops every header with the given name.
func (e *Email) RemoveHeader(name string) {
	kept := e.Headers[:0]
	for _, h := range e.Headers {
		if h.Name != name {
			kept = append(kept, h)
		}
	}
	e.Headers = kept
}

// NewEmail builds the index-th email for opts.
func NewEmail(index int, opts Options) Email {
	from := fmt.Sprintf("sender%04d@example.com", index)
	email := Email{
		Headers: []Header{
			{Name: "From", Value: from},
			{Name: "To", Value: fmt.Sprintf("rcpt%04d@example.org", index)},
			{Name: "Subject", Value: fmt.Sprintf("Sent %030d", index)},
			{Name: "Date", Value: "Mon, 02 Jan 2006 15:04:05 +0000"},
			{Name: "Reply-To", Value: from},
			{Name: "Message-ID", Value: fmt.Sprintf("<%030d@example.com>", index)},
		},
		Body: fmt.Sprintf("Test message number %030d", index),
	}

	if opts.Boundaries {
		outer := fmt.Sprintf("=========boundary-%040d====", index)
		inner := fmt.Sprintf("-------boundary-%010d----", index)
		email.Headers = append(email.Headers, Header{
			Name:  "Content-Type",
			Value: fmt.Sprintf("multipart/mixed; boundary=\"%s\"", outer),
		})
		email.Body = strings.Join([]string{
			"--" + outer,
			"Content-Type: multipart/alternative;",
			"    boundary=" + inner,
			"",
			"--" + inner,
			"Content-Type: text/plain; charset=us-ascii",
			"",
			email.Body,
			"--" + inner,
			"Content-Type: text/html; charset=us-ascii",
			"",
			"<html><body><div>" + email.Body + "</div></body></html>",
			"--" + inner + "--",
			"--" + outer + "--",
		}, "\n")
	}

	if opts.ContentLength {
		email.Headers = append(email.Headers, Header{
			Name:  "Content-Length",
			Value: fmt.Sprintf("%d", len(email.Body)+1),
		})
	}
	return email
}

// Emails builds count emails.
func Emails(count int, opts Options) []Email {
	emails := make([]Email, 0, count)
	for i := 0; i < count; i++ {
		emails = append(emails, NewEmail(i, opts))
	}
	return emails
}

// FromLine returns the delimiter line for opts, without line ending.
func FromLine(opts Options) string {
	if opts.Escaped {
		return "> From - " + FromDate
	}
	return "From - " + FromDate
}

// Write lays emails out as an mbox stream: records are separated by one
// blank line and the first record starts at offset zero.
func Write(w io.Writer, opts Options, emails []Email) error {
	bw := bufio.NewWriter(w)
	for i, email := range emails {
		if i > 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return err
			}
		}
		if _, err := bw.WriteString(FromLine(opts) + "\n"); err != nil {
			return err
		}
		for _, h := range email.Headers {
			if _, err := fmt.Fprintf(bw, "%s: %s\n", h.Name, h.Value); err != nil {
				return err
			}
		}
		if _, err := bw.WriteString("\n" + email.Body + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes emails to path.
func WriteFile(path string, opts Options, emails []Email) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(file, opts, emails); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Generate writes count generated emails to path.
func Generate(path string, count int, opts Options) error {
	return WriteFile(path, opts, Emails(count, opts))
}
