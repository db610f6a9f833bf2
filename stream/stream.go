// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/jid"
)

// Info contains metadata extracted from a stream start token.
type Info struct {
	To      *jid.JID
	From    *jid.JID
	ID      string
	Version Version
	XMLNS   string
	Lang    string
}

// FromStartElement sets the data in Info from the provided StartElement.
func (i *Info) FromStartElement(s xml.StartElement) error {
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			i.To = &jid.JID{}
			if err := i.To.UnmarshalXMLAttr(attr); err != nil {
				return ImproperAddressing
			}
		case xml.Name{Space: "", Local: "from"}:
			i.From = &jid.JID{}
			if err := i.From.UnmarshalXMLAttr(attr); err != nil {
				return ImproperAddressing
			}
		case xml.Name{Space: "", Local: "id"}:
			i.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			if err := (&i.Version).UnmarshalXMLAttr(attr); err != nil {
				return BadFormat
			}
		case xml.Name{Space: "", Local: "xmlns"}:
			if attr.Value != ns.Client && attr.Value != ns.Server {
				return InvalidNamespace
			}
			i.XMLNS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != ns.Stream {
				return BadNamespacePrefix
			}
		case xml.Name{Space: ns.XML, Local: "lang"}:
			// The decoder expands the built-in xml prefix to its namespace URI.
			i.Lang = attr.Value
		}
	}
	return nil
}

// Send writes an XML header followed by a response stream start element to
// the given writer. We don't use an xml.Encoder both because Go's standard
// library xml package really doesn't like the namespaced stream:stream
// attribute and because we can guarantee well-formedness of the XML with a
// print in this case and printing is much faster than encoding.
func Send(w io.Writer, resp Info) error {
	b := bufio.NewWriter(w)
	_, err := fmt.Fprintf(b, xml.Header[:len(xml.Header)-1]+`<stream:stream`)
	if err != nil {
		return err
	}
	if resp.ID != "" {
		if err = writeAttr(b, "id", resp.ID); err != nil {
			return err
		}
	}
	if resp.To != nil {
		if err = writeAttr(b, "to", resp.To.String()); err != nil {
			return err
		}
	}
	if resp.From != nil {
		if err = writeAttr(b, "from", resp.From.String()); err != nil {
			return err
		}
	}
	if err = writeAttr(b, "version", resp.Version.String()); err != nil {
		return err
	}
	if resp.Lang != "" {
		if err = writeAttr(b, "xml:lang", resp.Lang); err != nil {
			return err
		}
	}
	if resp.XMLNS == ns.Server {
		// Server streams carry dialback elements under the db prefix.
		_, err = fmt.Fprintf(b, ` xmlns='%s' xmlns:stream='%s' xmlns:db='%s'>`, resp.XMLNS, ns.Stream, ns.Dialback)
	} else {
		_, err = fmt.Fprintf(b, ` xmlns='%s' xmlns:stream='%s'>`, resp.XMLNS, ns.Stream)
	}
	if err != nil {
		return err
	}
	return b.Flush()
}

func writeAttr(w *bufio.Writer, name, value string) error {
	if _, err := w.WriteString(` ` + name + `='`); err != nil {
		return err
	}
	if err := xml.EscapeText(w, []byte(value)); err != nil {
		return err
	}
	return w.WriteByte('\'')
}

// Expect reads tokens from d until it finds a stream start token and returns
// the metadata extracted from it.
// If an XML header is discovered it is skipped; anything else that is not a
// stream start results in a stream error.
func Expect(ctx context.Context, d xml.TokenReader) (Info, error) {
	var info Info
	for {
		select {
		case <-ctx.Done():
			return info, ctx.Err()
		default:
		}
		t, err := d.Token()
		if err != nil {
			return info, err
		}
		switch tok := t.(type) {
		case xml.StartElement:
			switch {
			case tok.Name.Local != "stream":
				return info, BadFormat
			case tok.Name.Space != ns.Stream:
				return info, BadNamespacePrefix
			}
			if err := info.FromStartElement(tok); err != nil {
				return info, err
			}
			if DefaultVersion.Less(info.Version) {
				// Respond with the highest version we support.
				info.Version = DefaultVersion
			}
			return info, nil
		case xml.ProcInst:
			// The XML declaration, skip it.
			if tok.Target != "xml" {
				return info, RestrictedXML
			}
		case xml.CharData:
			// Ignore insignificant whitespace between the declaration and the
			// stream start.
			for _, b := range tok {
				switch b {
				case ' ', '\t', '\r', '\n':
				default:
					return info, RestrictedXML
				}
			}
		case xml.EndElement:
			return info, NotWellFormed
		default:
			return info, RestrictedXML
		}
	}
}
