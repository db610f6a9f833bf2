// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/stanza"
)

var errNotBody = errors.New("bosh: request root element is not a body wrapper")

// saslRequest is an auth, response, or abort element carried in a body.
type saslRequest struct {
	Op        string // auth, response, abort
	Mechanism string
	Payload   string
}

// request is one parsed BOSH body wrapper.
type request struct {
	RID     uint64
	SID     string
	To      string
	Wait    int // seconds, -1 when absent
	Hold    int // -1 when absent
	Ver     string
	Restart bool

	Stanzas   []stanza.Stanza
	SASL      *saslRequest
	JIDErrors []*stanza.JIDError
	// children counts every child element, including unrecognized ones;
	// a zero-children request is a poll.
	children int
}

func isStanzaName(local string) bool {
	return local == "message" || local == "presence" || local == "iq"
}

// parseRequest decodes a BOSH request body. Stanza children with malformed
// addresses are collected rather than failing the whole request, mirroring
// the socket transport's recovery behavior.
func parseRequest(data []byte) (*request, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	req := &request{Wait: -1, Hold: -1}

	var root xml.StartElement
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			root = start
			break
		}
	}
	if root.Name.Local != "body" {
		return nil, errNotBody
	}

	for _, attr := range root.Attr {
		switch attr.Name.Local {
		case "rid":
			rid, err := strconv.ParseUint(attr.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bosh: bad rid %q: %w", attr.Value, err)
			}
			req.RID = rid
		case "sid":
			req.SID = attr.Value
		case "to":
			req.To = attr.Value
		case "wait":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				req.Wait = n
			}
		case "hold":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				req.Hold = n
			}
		case "ver":
			req.Ver = attr.Value
		case "restart":
			req.Restart = attr.Value == "true" || attr.Value == "1"
		}
	}

	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		req.children++
		switch {
		case isStanzaName(start.Name.Local):
			st, err := stanza.Read(d, start)
			if err != nil {
				var jerr *stanza.JIDError
				if errors.As(err, &jerr) {
					req.JIDErrors = append(req.JIDErrors, jerr)
					continue
				}
				return nil, err
			}
			req.Stanzas = append(req.Stanzas, st)
		case start.Name.Space == ns.SASL:
			var payload struct {
				Mechanism string `xml:"mechanism,attr"`
				Data      string `xml:",chardata"`
			}
			if err := d.DecodeElement(&payload, &start); err != nil {
				return nil, err
			}
			req.SASL = &saslRequest{
				Op:        start.Name.Local,
				Mechanism: payload.Mechanism,
				Payload:   payload.Data,
			}
		default:
			if err := d.Skip(); err != nil {
				return nil, err
			}
		}
	}
	return req, nil
}

// poll reports whether the request carried no payload at all.
func (r *request) poll() bool {
	return r.children == 0 && !r.Restart
}

// legacy reports whether the client speaks a BOSH version older than 1.6,
// which gets bare HTTP error statuses instead of terminal bodies.
func (r *request) legacy() bool {
	if r.Ver == "" {
		return true
	}
	var major, minor int
	if _, err := fmt.Sscanf(r.Ver, "%d.%d", &major, &minor); err != nil {
		return true
	}
	return major < 1 || (major == 1 && minor < 6)
}

func wrapBody(payloads ...[]byte) []byte {
	if len(payloads) == 0 {
		return []byte(`<body xmlns='` + ns.HTTPBind + `'/>`)
	}
	var buf bytes.Buffer
	buf.WriteString(`<body xmlns='` + ns.HTTPBind + `'>`)
	for _, p := range payloads {
		buf.Write(p)
	}
	buf.WriteString(`</body>`)
	return buf.Bytes()
}

func emptyBody() []byte {
	return wrapBody()
}

// terminalBody builds a type='terminate' binding error. Recoverable binding
// errors use type='error' instead and leave the session alive.
func terminalBody(condition string) []byte {
	if condition == "" {
		return []byte(`<body xmlns='` + ns.HTTPBind + `' type='terminate'/>`)
	}
	return []byte(`<body xmlns='` + ns.HTTPBind + `' type='terminate' condition='` + condition + `'/>`)
}

func recoverableBody(condition string) []byte {
	return []byte(`<body xmlns='` + ns.HTTPBind + `' type='error' condition='` + condition + `'/>`)
}
