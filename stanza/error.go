// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"fmt"
	"io"

	"mellium.im/xmlstream"

	"github.com/meridian-im/xmppd/internal/ns"
	"github.com/meridian-im/xmppd/jid"
)

// ErrorType is the type of a stanza error payload.
// It should normally be one of the constants defined in this package.
type ErrorType string

const (
	// Cancel indicates that the error cannot be remedied and the operation
	// should not be retried.
	Cancel ErrorType = "cancel"

	// Auth indicates that an operation should be retried after providing
	// credentials.
	Auth ErrorType = "auth"

	// Continue indicates that the operation can proceed (the condition was only
	// a warning).
	Continue ErrorType = "continue"

	// Modify indicates that the operation can be retried after changing the
	// data sent.
	Modify ErrorType = "modify"

	// Wait indicates that an error is temporary and may be retried.
	Wait ErrorType = "wait"
)

// Condition represents a more specific stanza error condition that can be
// encapsulated by an <error/> element.
type Condition string

// A list of stanza error conditions defined in RFC 6120 §8.3.3.
const (
	// BadRequest is sent when the sender has sent a stanza containing XML that
	// does not conform to the appropriate schema or that cannot be processed.
	BadRequest Condition = "bad-request"

	// Conflict is sent when access cannot be granted because an existing
	// resource exists with the same name or address.
	Conflict Condition = "conflict"

	// FeatureNotImplemented is sent when the feature represented in the XML
	// stanza is not implemented by the intended recipient or an intermediate
	// server.
	FeatureNotImplemented Condition = "feature-not-implemented"

	// Forbidden is sent when the requesting entity does not possess the
	// necessary permissions to perform the action.
	Forbidden Condition = "forbidden"

	// InternalServerError is sent when the server has experienced a
	// misconfiguration or other internal error that prevents it from processing
	// the stanza.
	InternalServerError Condition = "internal-server-error"

	// ItemNotFound is sent when the addressed JID or item requested cannot be
	// found.
	ItemNotFound Condition = "item-not-found"

	// JIDMalformed is sent when the sending entity has provided or communicated
	// an XMPP address that violates the address format.
	JIDMalformed Condition = "jid-malformed"

	// NotAcceptable is sent when the recipient or server understands the
	// request but cannot process it because the request does not meet criteria
	// defined by the recipient or server.
	NotAcceptable Condition = "not-acceptable"

	// NotAllowed is sent when the recipient or server does not allow any entity
	// to perform the action.
	NotAllowed Condition = "not-allowed"

	// NotAuthorized is sent when the sender needs to provide credentials before
	// being allowed to perform the action, or has provided improper
	// credentials.
	NotAuthorized Condition = "not-authorized"

	// RecipientUnavailable is sent when the intended recipient is temporarily
	// unavailable.
	RecipientUnavailable Condition = "recipient-unavailable"

	// RemoteServerNotFound is sent when a remote server or service specified as
	// part or all of the JID of the intended recipient does not exist or cannot
	// be resolved.
	RemoteServerNotFound Condition = "remote-server-not-found"

	// RemoteServerTimeout is sent when a remote server or service was resolved
	// but communications could not be established within a reasonable amount of
	// time.
	RemoteServerTimeout Condition = "remote-server-timeout"

	// ResourceConstraint is sent when the server or recipient is busy or lacks
	// the system resources necessary to service the request.
	ResourceConstraint Condition = "resource-constraint"

	// ServiceUnavailable is sent when the server or recipient does not
	// currently provide the requested service.
	ServiceUnavailable Condition = "service-unavailable"

	// UndefinedCondition is used when the error condition is not one of those
	// defined by the other conditions in this list.
	UndefinedCondition Condition = "undefined-condition"

	// UnexpectedRequest is sent when the recipient or server understood the
	// request but was not expecting it at this time.
	UnexpectedRequest Condition = "unexpected-request"
)

// Error is an implementation of error intended to be marshalable and
// unmarshalable as XML.
type Error struct {
	By        *jid.JID
	Type      ErrorType
	Condition Condition
	Lang      string
	Text      string
}

// Error satisfies the error interface by returning the condition.
func (se Error) Error() string {
	return string(se.Condition)
}

// TokenReader satisfies the xmlstream.Marshaler interface for Error.
func (se Error) TokenReader() xml.TokenReader {
	start := xml.StartElement{
		Name: xml.Name{Local: "error"},
	}
	if se.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(se.Type)})
	}
	if a, err := se.By.MarshalXMLAttr(xml.Name{Local: "by"}); err == nil && a.Value != "" {
		start.Attr = append(start.Attr, a)
	}

	inner := []xml.TokenReader{
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: ns.Stanza, Local: string(se.Condition)},
		}),
	}
	if se.Text != "" {
		var attr []xml.Attr
		if se.Lang != "" {
			attr = []xml.Attr{{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: se.Lang}}
		}
		inner = append(inner, xmlstream.Wrap(
			xmlstream.ReaderFunc(func() (xml.Token, error) {
				return xml.CharData(se.Text), io.EOF
			}),
			xml.StartElement{Name: xml.Name{Space: ns.Stanza, Local: "text"}, Attr: attr},
		))
	}

	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (se Error) WriteXML(w xmlstream.TokenWriter) (n int, err error) {
	return xmlstream.Copy(w, se.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface for Error.
func (se Error) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := se.WriteXML(e)
	return err
}

// UnmarshalXML satisfies the xml.Unmarshaler interface for Error.
func (se *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	decoded := struct {
		Condition struct {
			XMLName xml.Name
		} `xml:",any"`
		Type ErrorType `xml:"type,attr"`
		By   *jid.JID  `xml:"by,attr"`
		Text []struct {
			Lang string `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
			Data string `xml:",chardata"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text"`
	}{}
	if err := d.DecodeElement(&decoded, &start); err != nil {
		return err
	}
	se.Type = decoded.Type
	se.By = decoded.By
	if decoded.Condition.XMLName.Space == ns.Stanza {
		se.Condition = Condition(decoded.Condition.XMLName.Local)
	}
	for _, text := range decoded.Text {
		if text.Data == "" {
			continue
		}
		se.Lang = text.Lang
		se.Text = text.Data
	}
	return nil
}

// XML serializes the error element on its own.
func (se Error) XML() ([]byte, error) {
	return xml.Marshal(se)
}

// WrapError builds an error reply for the given stanza: the reply has the
// same kind and id, swapped addressing, the stanza's original payload, and
// the error element appended.
func WrapError(s Stanza, se Error) (Stanza, error) {
	errXML, err := se.XML()
	if err != nil {
		return nil, err
	}

	switch s := s.(type) {
	case *Message:
		reply := *s
		reply.To, reply.From = s.From, s.To
		reply.Type = ErrorMessage
		reply.InnerXML = append(append([]byte{}, s.InnerXML...), errXML...)
		return &reply, nil
	case *Presence:
		reply := *s
		reply.To, reply.From = s.From, s.To
		reply.Type = ErrorPresence
		reply.InnerXML = append(append([]byte{}, s.InnerXML...), errXML...)
		return &reply, nil
	case *IQ:
		reply := *s
		reply.To, reply.From = s.From, s.To
		reply.Type = ErrorIQ
		reply.InnerXML = append(append([]byte{}, s.InnerXML...), errXML...)
		return &reply, nil
	}
	return nil, fmt.Errorf("stanza: cannot wrap error around %T", s)
}
