// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryAuthenticate(t *testing.T) {
	m := NewMemory(false)
	m.Register("alice", "s3cret")

	require.NoError(t, m.Authenticate("alice", "s3cret"))
	require.ErrorIs(t, m.Authenticate("alice", "wrong"), ErrBadCredentials)
	require.ErrorIs(t, m.Authenticate("nobody", "s3cret"), ErrBadCredentials)

	m.Remove("alice")
	require.ErrorIs(t, m.Authenticate("alice", "s3cret"), ErrBadCredentials)
}

func TestMemoryFlags(t *testing.T) {
	require.False(t, NewMemory(false).AllowAnonymous())
	require.True(t, NewMemory(true).AllowAnonymous())
}
