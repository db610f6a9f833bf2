// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package idgen generates unguessable identifiers for streams and sessions.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// IDLen is the length of stream identifiers in characters.
const IDLen = 24

// New generates a new random identifier of the given length. If the OS's
// entropy pool isn't initialized, or we can't generate random numbers for
// some other reason, panic.
func New(n int) string {
	b := make([]byte, (n/2)+(n&1))
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)[:n]
}

// StreamID generates a stream identifier of the default length.
func StreamID() string {
	return New(IDLen)
}
