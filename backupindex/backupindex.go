// backupindex/backupindex.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// Package backupindex reads and writes a host's backup list -- the
// tuple of backup metadata the deletion, merge and migration engines
// key off of to find a target backup and its merge candidate.
package backupindex

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/bpc/poolengine/pool"
)

// Version identifies a backup's on-disk layout generation.
type Version int

const (
	V3 Version = 3
	V4 Version = 4
)

// Meta is one backup's metadata tuple, as carried in a host's backup
// list.
type Meta struct {
	Num       int
	Compress  pool.Compress
	Version   Version
	NoFill    bool
	Keep      bool
	InodeLast uint64
}

const backupsFileName = "backups"

// List is a host's backup index: a list of Meta, kept in insertion
// order and returned in ascending Num order by Backups.
type List struct {
	hostDir string
	backups []Meta
}

// Load reads hostDir/backups. A missing file reads back as an empty,
// otherwise-usable List, matching the "no backups yet" state of a
// freshly created host.
func Load(hostDir string) (*List, error) {
	path := filepath.Join(hostDir, backupsFileName)
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &List{hostDir: hostDir}, nil
		}
		return nil, errors.Wrapf(err, "%s: reading backup list", path)
	}

	var backups []Meta
	if err := msgpack.Unmarshal(data, &backups); err != nil {
		return nil, errors.Wrapf(err, "%s: decoding backup list", path)
	}
	return &List{hostDir: hostDir, backups: backups}, nil
}

// Save rewrites hostDir/backups atomically.
func (l *List) Save() error {
	data, err := msgpack.Marshal(l.backups)
	if err != nil {
		return errors.Wrap(err, "encoding backup list")
	}
	path := filepath.Join(l.hostDir, backupsFileName)
	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return errors.Wrapf(err, "%s: writing backup list", path)
	}
	return nil
}

// Backups returns the list's entries in ascending Num order.
func (l *List) Backups() []Meta {
	out := append([]Meta(nil), l.backups...)
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// Find locates a backup by number.
func (l *List) Find(num int) (Meta, bool) {
	for _, b := range l.backups {
		if b.Num == num {
			return b, true
		}
	}
	return Meta{}, false
}

// Set inserts or replaces the entry for m.Num.
func (l *List) Set(m Meta) {
	for i, b := range l.backups {
		if b.Num == m.Num {
			l.backups[i] = m
			return
		}
	}
	l.backups = append(l.backups, m)
}

// Remove deletes the entry for num, reporting whether it existed.
func (l *List) Remove(num int) bool {
	for i, b := range l.backups {
		if b.Num == num {
			l.backups = append(l.backups[:i], l.backups[i+1:]...)
			return true
		}
	}
	return false
}

// MergeCandidate returns the immediate predecessor of num -- the
// highest-numbered backup with Num < num -- and whether it qualifies as
// a merge candidate: V4 and NoFill=true. The predecessor itself is
// always returned when one exists, even if it doesn't qualify, so
// callers can distinguish "no predecessor" from "predecessor exists but
// merge doesn't apply".
func (l *List) MergeCandidate(num int) (predecessor Meta, exists, qualifies bool) {
	best := -1
	for i, b := range l.backups {
		if b.Num < num && (best == -1 || b.Num > l.backups[best].Num) {
			best = i
		}
	}
	if best == -1 {
		return Meta{}, false, false
	}
	predecessor = l.backups[best]
	qualifies = predecessor.Version == V4 && predecessor.NoFill
	return predecessor, true, qualifies
}
