// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the XMPP address format.
//
// An XMPP address (historically a "Jabber ID" or JID) comprises an optional
// localpart, a required domainpart, and an optional resourcepart, written
// localpart@domainpart/resourcepart. All parts are stored in their canonical
// form so that octet comparison is a meaningful equality check.
package jid

import (
	"bytes"
	"encoding/xml"
	"errors"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned by the package.
var (
	ErrInvalidUTF8      = errors.New("jid: part contains invalid UTF-8")
	ErrEmptyLocal       = errors.New("jid: localpart must be larger than 0 bytes")
	ErrEmptyResource    = errors.New("jid: resourcepart must be larger than 0 bytes")
	ErrLongLocal        = errors.New("jid: localpart must be smaller than 1024 bytes")
	ErrLongResource     = errors.New("jid: resourcepart must be smaller than 1024 bytes")
	ErrDomainLen        = errors.New("jid: domainpart must be between 1 and 1023 bytes")
	ErrForbiddenLocal   = errors.New("jid: localpart contains forbidden characters")
	ErrInvalidIPv6      = errors.New("jid: domainpart is not a valid IPv6 address")
)

// JID represents a canonicalized XMPP address. The zero value is an empty,
// invalid address.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse constructs a new JID from its string representation.
func Parse(s string) (*JID, error) {
	local, domain, resource, err := SplitString(s)
	if err != nil {
		return nil, err
	}
	return New(local, domain, resource)
}

// MustParse is like Parse but panics if the address cannot be parsed.
// It simplifies initialization of JIDs from known-good constant strings.
func MustParse(s string) *JID {
	j, err := Parse(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a new JID from the given localpart, domainpart, and
// resourcepart, enforcing the preparation and enforcement rules of RFC 7622.
func New(local, domain, resource string) (*JID, error) {
	if !utf8.ValidString(local) || !utf8.ValidString(resource) {
		return nil, ErrInvalidUTF8
	}

	// A-labels are converted to U-labels before the domainpart is used in an
	// address (RFC 7622 §3.2.1).
	domain, err := idna.ToUnicode(domain)
	if err != nil {
		return nil, err
	}
	if !utf8.ValidString(domain) {
		return nil, ErrInvalidUTF8
	}

	if local != "" {
		local, err = precis.UsernameCaseMapped.String(local)
		if err != nil {
			return nil, err
		}
	}
	if resource != "" {
		resource, err = precis.OpaqueString.String(resource)
		if err != nil {
			return nil, err
		}
	}

	if err := commonChecks(local, domain, resource); err != nil {
		return nil, err
	}

	return &JID{local: local, domain: domain, resource: resource}, nil
}

// WithResource returns a copy of the JID with a new resourcepart, eliding
// re-validation of the localpart and domainpart.
func (j *JID) WithResource(resource string) (*JID, error) {
	if resource == "" {
		return j.Bare(), nil
	}
	if !utf8.ValidString(resource) {
		return nil, ErrInvalidUTF8
	}
	resource, err := precis.OpaqueString.String(resource)
	if err != nil {
		return nil, err
	}
	if len(resource) > 1023 {
		return nil, ErrLongResource
	}
	return &JID{local: j.local, domain: j.domain, resource: resource}, nil
}

// Bare returns a copy of the JID without a resourcepart.
func (j *JID) Bare() *JID {
	if j == nil {
		return j
	}
	return &JID{local: j.local, domain: j.domain}
}

// Domain returns a copy of the JID without a localpart or resourcepart.
func (j *JID) Domain() *JID {
	if j == nil {
		return j
	}
	return &JID{domain: j.domain}
}

// Localpart gets the localpart of a JID (eg. "username").
func (j *JID) Localpart() string {
	if j == nil {
		return ""
	}
	return j.local
}

// Domainpart gets the domainpart of a JID (eg. "example.net").
func (j *JID) Domainpart() string {
	if j == nil {
		return ""
	}
	return j.domain
}

// Resourcepart gets the resourcepart of a JID.
func (j *JID) Resourcepart() string {
	if j == nil {
		return ""
	}
	return j.resource
}

// IsBare reports whether the JID has no resourcepart.
func (j *JID) IsBare() bool {
	return j != nil && j.resource == ""
}

// IsFull reports whether the JID has a resourcepart.
func (j *JID) IsFull() bool {
	return j != nil && j.resource != ""
}

// IsServer reports whether the JID is a bare domain with no localpart.
func (j *JID) IsServer() bool {
	return j != nil && j.local == "" && j.resource == ""
}

// Copy makes a copy of the given JID. j.Equal(j.Copy()) always returns true.
func (j *JID) Copy() *JID {
	if j == nil {
		return j
	}
	c := *j
	return &c
}

// Network satisfies the net.Addr interface by returning the name of the
// network ("xmpp").
func (*JID) Network() string {
	return "xmpp"
}

// String converts a JID to its string representation.
func (j *JID) String() string {
	if j == nil {
		return ""
	}
	s := j.domain
	if j.local != "" {
		s = j.local + "@" + s
	}
	if j.resource != "" {
		s = s + "/" + j.resource
	}
	return s
}

// Equal performs an octet-for-octet comparison with the given JID.
func (j *JID) Equal(j2 *JID) bool {
	if j == nil || j2 == nil {
		return j == j2
	}
	return j.local == j2.local && j.domain == j2.domain && j.resource == j2.resource
}

// MarshalXML satisfies the xml.Marshaler interface and marshals the JID as
// XML chardata.
func (j *JID) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.EncodeToken(xml.CharData(j.String())); err != nil {
		return err
	}
	if err := e.EncodeToken(start.End()); err != nil {
		return err
	}
	return e.Flush()
}

// UnmarshalXML satisfies the xml.Unmarshaler interface and unmarshals the JID
// from the element's chardata.
func (j *JID) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	data := struct {
		CharData string `xml:",chardata"`
	}{}
	if err := d.DecodeElement(&data, &start); err != nil {
		return err
	}
	j2, err := Parse(data.CharData)
	if err != nil {
		return err
	}
	*j = *j2
	return nil
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface and marshals the
// JID as an XML attribute.
func (j *JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j == nil {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface and unmarshals
// an XML attribute into a valid JID (or returns an error).
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		return nil
	}
	j2, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = *j2
	return nil
}

// SplitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not guaranteed to be valid,
// and each part must be 1023 bytes or less.
func SplitString(s string) (local, domain, resource string, err error) {
	// Separator characters must be matched before any transformation is
	// applied, which might decompose code points to '@' or '/' (RFC 7622
	// §3.1). The resourcepart is everything after the first '/'.
	if sep := strings.Index(s, "/"); sep != -1 {
		if sep == len(s)-1 {
			return "", "", "", ErrEmptyResource
		}
		resource = s[sep+1:]
		s = s[:sep]
	}

	switch sep := strings.Index(s, "@"); sep {
	case -1:
		domain = s
	case 0:
		return "", "", "", ErrEmptyLocal
	default:
		local = s[:sep]
		domain = s[sep+1:]
	}

	// A trailing label separator (dot) is stripped before the address is used
	// for routing or comparison.
	domain = strings.TrimSuffix(domain, ".")

	return local, domain, resource, nil
}

func checkIP6String(domain string) error {
	// If the domainpart looks like a bracketed IPv6 address it must actually
	// be one.
	if l := len(domain); l > 2 && strings.HasPrefix(domain, "[") &&
		strings.HasSuffix(domain, "]") {
		if ip := net.ParseIP(domain[1 : l-1]); ip == nil || ip.To4() != nil {
			return ErrInvalidIPv6
		}
	}
	return nil
}

func commonChecks(local, domain, resource string) error {
	if len(local) > 1023 {
		return ErrLongLocal
	}

	// RFC 7622 §3.3.1 lists characters that remain forbidden in localparts
	// even though the UsernameCaseMapped profile permits them.
	if bytes.ContainsAny([]byte(local), `"&'/:<>@`) {
		return ErrForbiddenLocal
	}

	if len(resource) > 1023 {
		return ErrLongResource
	}
	if l := len(domain); l < 1 || l > 1023 {
		return ErrDomainLen
	}
	return checkIP6String(domain)
}
