// Package message holds the header snapshot rules are evaluated against.
package message

import (
	"bufio"
	"bytes"
	"fmt"
	"slices"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Message is an immutable view of one message's header fields.
type Message struct {
	From []string
	To   []string
	Cc   []string

	Sender    string
	HasSender bool

	Subject    string
	HasSubject bool

	headers map[string]string
}

// Header returns the raw value of the named header. Lookup ignores case.
// When a header occurs more than once the first occurrence wins.
func (m *Message) Header(name string) (string, bool) {
	v, ok := m.headers[strings.ToLower(name)]
	return v, ok
}

func (m *Message) String() string {
	return fmt.Sprintf("from=%v subject=%q", m.From, m.Subject)
}

// ParseHeader parses a raw RFC 5322 header block, as returned by a
// BODY.PEEK[HEADER] fetch.
func ParseHeader(raw []byte) (*Message, error) {
	// The header section normally ends with an empty line; make sure the
	// reader sees one even when the server trimmed it.
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) && !bytes.HasSuffix(raw, []byte("\n\n")) {
		raw = slices.Concat(bytes.TrimRight(raw, "\r\n"), []byte("\r\n\r\n"))
	}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return FromHeader(mail.Header{Header: gomessage.Header{Header: th}}), nil
}

// FromHeader builds a Message from an already parsed header.
func FromHeader(h mail.Header) *Message {
	m := &Message{
		From:    addresses(h, "From"),
		To:      addresses(h, "To"),
		Cc:      addresses(h, "Cc"),
		headers: make(map[string]string),
	}

	if sender := addresses(h, "Sender"); len(sender) > 0 {
		m.Sender = sender[0]
		m.HasSender = true
	}

	if h.Has("Subject") {
		subject, err := h.Subject()
		if err != nil {
			subject = h.Get("Subject")
		}
		m.Subject = subject
		m.HasSubject = true
	}

	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, seen := m.headers[key]; seen {
			continue
		}
		m.headers[key] = h.Get(key)
	}
	return m
}

// addresses returns the addr-specs of an address header. A value that
// does not parse as an address list is kept verbatim as a single entry.
func addresses(h mail.Header, key string) []string {
	if !h.Has(key) {
		return nil
	}
	list, err := h.AddressList(key)
	if err != nil {
		if raw := strings.TrimSpace(h.Get(key)); raw != "" {
			return []string{raw}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out
}
