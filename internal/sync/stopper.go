// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package sync provides the stopper used by poll loops.
package sync

import (
	gosync "sync"
)

// Stopper tells a loop to stop and waits until it finished. A loop
// selects on Check, or asks Stopping between two polls, and calls Done
// when it returns.
type Stopper interface {
	Check() <-chan struct{}
	Stopping() bool
	Stop()
	Done()
}

type stopper struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce gosync.Once
	doneOnce gosync.Once
}

func NewStopper() Stopper {
	s := &stopper{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	return s
}

func (s *stopper) Check() <-chan struct{} {
	return s.stop
}

func (s *stopper) Stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Stop signals the loop to stop and blocks until it called Done. It can be
// called more than once.
func (s *stopper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	<-s.done
}

func (s *stopper) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
