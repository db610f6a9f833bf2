// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/meridian-im/xmppd/jid"
)

// IQ ("Information Query") is used as a general request-response mechanism.
// IQ's are one-to-one, provide get and set semantics, and always require a
// response in the form of a result or an error.
type IQ struct {
	XMLName  xml.Name `xml:"iq"`
	ID       string   `xml:"id,attr"`
	To       *jid.JID `xml:"to,attr,omitempty"`
	From     *jid.JID `xml:"from,attr,omitempty"`
	Lang     string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type     IQType   `xml:"type,attr"`
	InnerXML []byte   `xml:",innerxml"`
}

// IQType is the type of an IQ stanza.
type IQType int

const (
	// GetIQ is used to query another entity for information.
	GetIQ IQType = iota

	// SetIQ is used to provide data to another entity, set new values, and
	// replace existing values.
	SetIQ

	// ResultIQ is sent in response to a successful get or set IQ.
	ResultIQ

	// ErrorIQ is sent to report that an error occurred during the delivery or
	// processing of a get or set IQ.
	ErrorIQ
)

// String returns the type as it appears on the wire.
func (t IQType) String() string {
	switch t {
	case GetIQ:
		return "get"
	case SetIQ:
		return "set"
	case ResultIQ:
		return "result"
	case ErrorIQ:
		return "error"
	}
	return ""
}

func (t *IQType) parse(s string) error {
	switch strings.ToLower(s) {
	case "get":
		*t = GetIQ
	case "set":
		*t = SetIQ
	case "result":
		*t = ResultIQ
	case "error":
		*t = ErrorIQ
	default:
		return fmt.Errorf("stanza: invalid iq type %q", s)
	}
	return nil
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface.
func (t IQType) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: t.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface.
func (t *IQType) UnmarshalXMLAttr(attr xml.Attr) error {
	return t.parse(attr.Value)
}

// Kind satisfies the Stanza interface.
func (*IQ) Kind() string { return "iq" }

// GetID satisfies the Stanza interface.
func (iq *IQ) GetID() string { return iq.ID }

// GetTo satisfies the Stanza interface.
func (iq *IQ) GetTo() *jid.JID { return iq.To }

// GetFrom satisfies the Stanza interface.
func (iq *IQ) GetFrom() *jid.JID { return iq.From }

// SetTo satisfies the Stanza interface.
func (iq *IQ) SetTo(j *jid.JID) { iq.To = j }

// SetFrom satisfies the Stanza interface.
func (iq *IQ) SetFrom(j *jid.JID) { iq.From = j }

// XML satisfies the Stanza interface.
func (iq *IQ) XML() ([]byte, error) {
	return xml.Marshal(iq)
}
