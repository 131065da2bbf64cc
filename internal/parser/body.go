package parser

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

// Part is one node of a message's MIME tree: either *SinglePart or *MultiPart.
type Part interface {
	mediaType() string
}

// SinglePart is a leaf with its transfer encoding already removed.
type SinglePart struct {
	MediaType   string
	Disposition string
	Charset     string
	// Decoded reports whether Data was already converted from Charset to UTF-8.
	Decoded bool
	Data    []byte
}

// MultiPart is a container of ordered child parts.
type MultiPart struct {
	MediaType string
	Parts     []Part
}

func (p *SinglePart) mediaType() string { return p.MediaType }
func (p *MultiPart) mediaType() string  { return p.MediaType }

// BuildTree reads an entity into a Part tree. A container whose parts cannot
// be enumerated keeps the children read so far; one that yields no part at
// all is read as a single part holding its whole body.
func BuildTree(e *message.Entity, entityErr error) Part {
	ct := parseContentType(&e.Header)

	data, err := io.ReadAll(e.Body)
	if err != nil {
		slog.Warn("failed to read part body, keeping partial content",
			"content_type", ct.mediaType,
			"error", err,
		)
	}

	if strings.HasPrefix(ct.mediaType, "multipart/") {
		if mp := buildMultiPart(ct, data); mp != nil {
			return mp
		}
	}

	disposition, _, _ := e.Header.ContentDisposition()
	return &SinglePart{
		MediaType:   ct.mediaType,
		Disposition: strings.ToLower(disposition),
		Charset:     ct.charset(),
		Decoded:     ct.convertedByReader() && !message.IsUnknownCharset(entityErr),
		Data:        data,
	}
}

// buildMultiPart splits body on the container boundary. It returns nil when
// no part could be read.
func buildMultiPart(ct contentType, body []byte) *MultiPart {
	boundary := ct.params["boundary"]
	if boundary == "" {
		slog.Warn("multipart container without boundary, reading as single part",
			"content_type", ct.mediaType,
		)
		return nil
	}

	mp := &MultiPart{MediaType: ct.mediaType}
	mr := textproto.NewMultipartReader(bytes.NewReader(body), boundary)
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Warn("stopping multipart enumeration",
				"content_type", ct.mediaType,
				"error", err,
			)
			break
		}
		child, childErr := message.New(message.Header{Header: p.Header}, p)
		mp.Parts = append(mp.Parts, BuildTree(child, childErr))
	}

	if len(mp.Parts) == 0 {
		return nil
	}
	return mp
}

// contentType is a Content-Type value parsed strictly when possible and
// leniently otherwise.
type contentType struct {
	mediaType string
	params    map[string]string
	// strict reports whether the header parsed without error, which is
	// also when go-message applied the charset conversion itself.
	strict bool
}

// parseContentType never fails: on a malformed value the media type is the
// text before the first ';' and every well-formed key=value pair is kept.
func parseContentType(h *message.Header) contentType {
	t, params, err := h.ContentType()
	if err == nil {
		return contentType{mediaType: strings.ToLower(t), params: params, strict: true}
	}

	head, rest, _ := strings.Cut(h.Get("Content-Type"), ";")
	params = make(map[string]string)
	for _, kv := range strings.Split(rest, ";") {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if !ok || k == "" {
			continue
		}
		params[k] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return contentType{mediaType: strings.ToLower(strings.TrimSpace(head)), params: params}
}

func (ct contentType) charset() string {
	return strings.ToLower(ct.params["charset"])
}

// convertedByReader reports whether message.New already converted the body
// to UTF-8. It only does so for text/* parts with a parsable charset.
func (ct contentType) convertedByReader() bool {
	return ct.strict && strings.HasPrefix(ct.mediaType, "text/") && ct.charset() != ""
}

// ExtractBody flattens a Part tree into a single plaintext body. A single
// part root is decoded whatever its type; in a multipart tree only inline
// text/plain leaves count, joined by newlines in document order. Everything
// else in the tree is discarded.
func ExtractBody(root Part, messageCharset string) string {
	if sp, ok := root.(*SinglePart); ok {
		return strings.TrimSpace(decodeLeaf(sp, messageCharset))
	}

	var texts []string
	walkPlainText(root, func(sp *SinglePart) {
		texts = append(texts, decodeLeaf(sp, messageCharset))
	})
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

// walkPlainText visits inline text/plain leaves depth-first.
func walkPlainText(p Part, visit func(*SinglePart)) {
	switch p := p.(type) {
	case *MultiPart:
		for _, child := range p.Parts {
			walkPlainText(child, visit)
		}
	case *SinglePart:
		if p.MediaType == "text/plain" && p.Disposition != "attachment" {
			visit(p)
		}
	}
}

// decodeLeaf decodes a leaf with its own charset, then the message charset,
// then the 7-bit default.
func decodeLeaf(p *SinglePart, messageCharset string) string {
	if p.Decoded {
		return sanitize(string(p.Data))
	}
	for _, cs := range []string{p.Charset, messageCharset} {
		if s, ok := decodeCharset(p.Data, cs); ok {
			return s
		}
	}
	return sanitize(string(p.Data))
}

func decodeCharset(data []byte, cs string) (string, bool) {
	switch strings.ToLower(cs) {
	case "":
		return "", false
	case "utf-8", "utf8", "us-ascii", "ascii":
		return sanitize(string(data)), true
	}
	r, err := charset.Reader(cs, bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	out, err := io.ReadAll(r)
	if err != nil && len(out) == 0 {
		return "", false
	}
	return sanitize(string(out)), true
}
