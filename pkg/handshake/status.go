package handshake

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// StatusCode is the numeric result exchanged between nodes.
type StatusCode int

const (
	StatusOK         StatusCode = 0
	StatusCollision  StatusCode = 1
	StatusTemporary  StatusCode = 2
	StatusFailure    StatusCode = 3
	StatusNoResponse StatusCode = -1 // local only: the peer never produced a status
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusCollision:
		return "collision"
	case StatusTemporary:
		return "temporary"
	case StatusFailure:
		return "failure"
	default:
		return "no_response"
	}
}

// Status is the <result> document returned by the confirm endpoint.
type Status struct {
	Code    StatusCode
	Message string
}

type statusDoc struct {
	XMLName xml.Name `xml:"result"`
	Status  string   `xml:"status"`
	Message string   `xml:"message,omitempty"`
}

// Render encodes s as an XML result document.
func (s Status) Render() []byte {
	out, _ := xml.Marshal(statusDoc{Status: strconv.Itoa(int(s.Code)), Message: s.Message})
	return append([]byte(xml.Header), out...)
}

// ParseStatus decodes a result document, discarding anything the remote
// emitted before the XML declaration.
func ParseStatus(body []byte) (Status, error) {
	if i := bytes.Index(body, []byte("<?xml")); i >= 0 {
		body = body[i:]
	} else if i := bytes.Index(body, []byte("<result")); i >= 0 {
		body = body[i:]
	} else {
		return Status{}, fmt.Errorf("no status document in response")
	}

	var doc statusDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return Status{}, fmt.Errorf("failed to decode status document: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(doc.Status))
	if err != nil {
		return Status{}, fmt.Errorf("invalid status %q", doc.Status)
	}
	return Status{Code: StatusCode(code), Message: doc.Message}, nil
}
