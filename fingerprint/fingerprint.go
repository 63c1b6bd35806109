// Package fingerprint derives the hashes used to decide whether two mbox
// records hold the same message.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/dhcgn/mbox-dedup/model"
)

// MissingMessageID is hashed in place of an absent Message-ID header.
const MissingMessageID = "<no-message-id>"

// SkipHeaders lists header name prefixes left out of the parsed hash.
// Mail clients rewrite these locally, so two copies of one message differ
// in them.
var SkipHeaders = []string{
	"X-Mozilla-Status", // also X-Mozilla-Status2
	"X-Mozilla-Keys",
	"X-Apparently-To",
	"Message-ID",
}

var skipPrefixes = lowerAll(SkipHeaders)

// Pair holds both primary fingerprints of a record.
type Pair struct {
	Disk   string
	Parsed string
}

// Identity is the Message-ID header and its hash.
type Identity struct {
	Header string
	Hash   string
}

// Of computes both fingerprints.
func Of(msg *model.Message) Pair {
	return Pair{Disk: Disk(msg), Parsed: Parsed(msg)}
}

// Disk hashes every raw line of the record in the order it was read, so it
// equals the hash of the record's byte range on disk.
func Disk(msg *model.Message) string {
	h := sha256.New()
	for _, line := range msg.RawLines {
		h.Write(line)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Parsed hashes header fragments, minus the skip list, followed by the
// body, in capture order.
func Parsed(msg *model.Message) string {
	h := sha256.New()
	for _, header := range msg.Headers.All() {
		if Skipped(header.Name) {
			continue
		}
		for _, fragment := range header.Fragments {
			h.Write(fragment)
		}
	}
	for _, line := range msg.BodyLines {
		h.Write(line)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Skipped reports whether a header is excluded from the parsed hash.
func Skipped(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// MessageID returns the raw value of the Message-ID header with the header
// name and surrounding whitespace removed. ok is false when the message has
// none.
func MessageID(msg *model.Message) (value string, ok bool) {
	header, found := msg.Headers.FindPrefix("Message-ID")
	if !found {
		return "", false
	}
	raw := bytes.Join(header.Fragments, nil)
	if i := bytes.IndexByte(raw, ':'); i >= 0 {
		raw = raw[i+1:]
	}
	return string(bytes.TrimSpace(raw)), true
}

// MessageIDHash hashes the Message-ID value, or MissingMessageID.
func MessageIDHash(msg *model.Message) Identity {
	value, ok := MessageID(msg)
	if !ok {
		return Identity{Header: "", Hash: String(MissingMessageID)}
	}
	return Identity{Header: value, Hash: String(value)}
}

// Bytes hashes data.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String hashes s.
func String(s string) string {
	return Bytes([]byte(s))
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
