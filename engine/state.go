// engine/state.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// Package engine implements the deletion and merge engines: walking a
// backup's attribute containers to decrement (or transfer) pool
// references, and folding a deleted incremental backup into its
// predecessor so the predecessor becomes self-sufficient.
package engine

import "github.com/bpc/poolengine/util"

// State holds the counters a run accumulates as it walks a backup tree.
// It is passed by reference so that a progress reporter (out of scope
// here, per the CLI collaborator interfaces) can read it while the
// engine is still running.
type State struct {
	FileCnt int
	DirCnt  int
	Log     *util.Logger
}

// Errors returns the number of recoverable errors logged so far. It is
// the same counter Logger.Error increments -- the engine doesn't keep a
// second one, since "log an error" and "count an error" are the same
// event everywhere in this module.
func (s *State) Errors() int {
	if s.Log == nil {
		return 0
	}
	return s.Log.NErrors
}
