package main

import (
	"context"
	"fmt"
	"sync/atomic"
)

var slotSeq atomic.Uint64

// slot is the default pool argument for configured pools that have no
// code-registered factory: an in-process execution slot with an explicit
// activation lifecycle. Jobs that need a real resource (connection, client)
// register their own factory via app.WithFactory.
type slot struct {
	name   string
	active atomic.Bool
}

func newSlot(context.Context) (any, error) {
	return &slot{name: fmt.Sprintf("slot-%d", slotSeq.Add(1))}, nil
}

func (s *slot) Activate(context.Context) error {
	s.active.Store(true)
	return nil
}

func (s *slot) Deactivate(context.Context) error {
	s.active.Store(false)
	return nil
}

func (s *slot) Active() bool { return s.active.Load() }

func (s *slot) String() string { return s.name }
