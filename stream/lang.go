// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"golang.org/x/text/language"
)

// NegotiateLang matches the language requested in a stream open against the
// languages the server is configured to serve and returns the tag that
// should be advertised on the response stream. The first supported tag is
// the default and is returned when the request is absent or unintelligible.
func NegotiateLang(requested string, supported []language.Tag) string {
	if len(supported) == 0 {
		return requested
	}
	if requested == "" {
		return supported[0].String()
	}
	tag, err := language.Parse(requested)
	if err != nil {
		return supported[0].String()
	}
	_, idx, _ := language.NewMatcher(supported).Match(tag)
	return supported[idx].String()
}
