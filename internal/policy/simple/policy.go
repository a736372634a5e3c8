// Package simple contains a permissive fetch policy for tests and one-shot
// runs where pacing is handled elsewhere.
package simple

import "context"

// Policy admits every fetch immediately.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait returns as soon as the context allows.
func (Policy) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
