// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"github.com/meridian-im/xmppd/jid"
)

// Message is an XMPP stanza that contains a payload for direct one-to-one
// communication with another network entity. It is often used for sending
// chat messages to an individual or group chat server, or for notifications
// and alerts that don't require a response.
type Message struct {
	XMLName  xml.Name    `xml:"message"`
	ID       string      `xml:"id,attr,omitempty"`
	To       *jid.JID    `xml:"to,attr,omitempty"`
	From     *jid.JID    `xml:"from,attr,omitempty"`
	Lang     string      `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type     MessageType `xml:"type,attr,omitempty"`
	InnerXML []byte      `xml:",innerxml"`
}

// MessageType is the type of a message stanza.
// It should normally be one of the constants defined in this package.
type MessageType string

const (
	// NormalMessage is a standalone message that is sent outside the context of
	// a one-to-one conversation or group chat, and to which it is expected that
	// the recipient will reply.
	NormalMessage MessageType = "normal"

	// ChatMessage represents a message sent in the context of a one-to-one chat
	// session.
	ChatMessage MessageType = "chat"

	// ErrorMessage is generated by an entity that experiences an error when
	// processing a message received from another entity.
	ErrorMessage MessageType = "error"

	// GroupChatMessage is sent in the context of a multi-user chat environment.
	GroupChatMessage MessageType = "groupchat"

	// HeadlineMessage provides an alert, a notification, or other transient
	// information to which no reply is expected.
	HeadlineMessage MessageType = "headline"
)

// Kind satisfies the Stanza interface.
func (*Message) Kind() string { return "message" }

// GetID satisfies the Stanza interface.
func (m *Message) GetID() string { return m.ID }

// GetTo satisfies the Stanza interface.
func (m *Message) GetTo() *jid.JID { return m.To }

// GetFrom satisfies the Stanza interface.
func (m *Message) GetFrom() *jid.JID { return m.From }

// SetTo satisfies the Stanza interface.
func (m *Message) SetTo(j *jid.JID) { m.To = j }

// SetFrom satisfies the Stanza interface.
func (m *Message) SetFrom(j *jid.JID) { m.From = j }

// XML satisfies the Stanza interface.
func (m *Message) XML() ([]byte, error) {
	return xml.Marshal(m)
}
