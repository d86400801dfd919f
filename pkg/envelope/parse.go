// Package envelope parses inbound federated messages of both wire
// generations, rebuilds the canonical signed payload and verifies the author
// and parent-author signatures.
package envelope

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"

	"fedgate/pkg/types"
)

const (
	legacyRoot    = "XML"
	legacyWrapper = "post"
)

// Message is a wire document before renaming: the declared type and the
// direct child fields with their original names and values, in document order.
type Message struct {
	Type   string
	Legacy bool
	Fields []types.Field
}

// Parse decodes a wire document. Legacy documents wrap the message as the
// first child of <XML><post>; current documents use the message as root.
func Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty document")
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = true
	dec.CharsetReader = charset.NewReaderLabel

	root, err := nextChild(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to read root element: %w", err)
	}
	if root == nil {
		return nil, errors.New("document has no root element")
	}

	msg := &Message{Type: root.Name.Local}
	if root.Name.Local == legacyRoot {
		post, err := nextChild(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to read legacy wrapper: %w", err)
		}
		if post == nil || post.Name.Local != legacyWrapper {
			return nil, fmt.Errorf("legacy document lacks <%s> wrapper", legacyWrapper)
		}
		inner, err := nextChild(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to read legacy message: %w", err)
		}
		if inner == nil {
			return nil, errors.New("legacy wrapper is empty")
		}
		msg.Type = inner.Name.Local
		msg.Legacy = true
	}

	fields, err := readFields(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to read fields of %s: %w", msg.Type, err)
	}
	msg.Fields = fields
	return msg, nil
}

// nextChild advances to the next child start element of the current element.
// It returns nil when the current element closes first.
func nextChild(dec *xml.Decoder) (*xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return &t, nil
		case xml.EndElement:
			return nil, nil
		}
	}
}

// readFields collects the direct children of the current element.
func readFields(dec *xml.Decoder) ([]types.Field, error) {
	fields := make([]types.Field, 0)
	for {
		child, err := nextChild(dec)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return fields, nil
		}
		value, err := readText(dec)
		if err != nil {
			return nil, err
		}
		fields = append(fields, types.Field{Name: child.Name.Local, Value: value})
	}
}

// readText returns the character data directly inside the current element,
// skipping nested elements, and consumes the closing tag.
func readText(dec *xml.Decoder) (string, error) {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			if err := dec.Skip(); err != nil {
				return "", err
			}
		case xml.EndElement:
			return sb.String(), nil
		}
	}
}
