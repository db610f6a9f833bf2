// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package auth defines the pluggable credential backend consumed during SASL
// negotiation.
package auth

import (
	"errors"
	"sync"
)

// ErrBadCredentials is returned when a username/password pair does not
// verify. Callers must not distinguish unknown users from wrong passwords on
// the wire.
var ErrBadCredentials = errors.New("auth: invalid username or password")

// A Provider validates credentials and gates which SASL mechanisms may be
// advertised.
type Provider interface {
	// Authenticate verifies a username/password pair, returning
	// ErrBadCredentials on mismatch.
	Authenticate(username, password string) error

	// AllowAnonymous reports whether the ANONYMOUS mechanism may be offered.
	AllowAnonymous() bool
}

// Memory is an in-memory Provider, primarily for tests and small
// deployments. The zero value is usable.
type Memory struct {
	anonymous bool

	mu    sync.RWMutex
	users map[string]string
}

// NewMemory returns an empty in-memory provider.
func NewMemory(allowAnonymous bool) *Memory {
	return &Memory{
		anonymous: allowAnonymous,
		users:     make(map[string]string),
	}
}

// Register adds or replaces a user.
func (m *Memory) Register(username, password string) {
	m.mu.Lock()
	if m.users == nil {
		m.users = make(map[string]string)
	}
	m.users[username] = password
	m.mu.Unlock()
}

// Remove deletes a user.
func (m *Memory) Remove(username string) {
	m.mu.Lock()
	delete(m.users, username)
	m.mu.Unlock()
}

// Authenticate implements Provider.
func (m *Memory) Authenticate(username, password string) error {
	m.mu.RLock()
	stored, ok := m.users[username]
	m.mu.RUnlock()
	if !ok || stored != password {
		return ErrBadCredentials
	}
	return nil
}

// AllowAnonymous implements Provider.
func (m *Memory) AllowAnonymous() bool { return m.anonymous }
