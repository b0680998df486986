// sentinel/sentinel.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// Package sentinel manages the crash-safety marker files that bracket
// mutating sequences in a backup's refCnt/ directory: their mere
// presence on disk is the signal that a fsck pass is owed, so every
// operation here is a bare file create/remove/stat, deliberately with
// no in-memory state of its own.
package sentinel

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Kind names one of the three marker files a backup's refCnt/
// directory may carry.
type Kind string

const (
	// NeedFsckDel marks a deletion or merge in progress.
	NeedFsckDel Kind = "needFsck.del"
	// NeedFsckMig marks a migration in progress.
	NeedFsckMig Kind = "needFsck.mig"
	// NoPoolCntOk marks a migration that hasn't fully contributed its
	// refcount deltas yet -- pool counts are known to be partial.
	NoPoolCntOk Kind = "noPoolCntOk"
)

const refCntDirName = "refCnt"

func path(backupDir string, k Kind) string {
	return filepath.Join(backupDir, refCntDirName, string(k))
}

// Create writes the marker, creating refCnt/ if needed. It must be
// called before the first mutating write/rename/unlink of the sequence
// it guards.
func Create(backupDir string, k Kind) error {
	dir := filepath.Join(backupDir, refCntDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrapf(err, "%s: creating refCnt directory", dir)
	}
	f, err := os.OpenFile(path(backupDir, k), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrapf(err, "%s: creating sentinel", k)
	}
	return f.Close()
}

// Remove deletes the marker. Callers must only do this after the
// sequence it guards completed with zero errors; a residual sentinel is
// what forces a full fsck on next boot.
func Remove(backupDir string, k Kind) error {
	err := os.Remove(path(backupDir, k))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "%s: removing sentinel", k)
	}
	return nil
}

// Present reports whether the marker currently exists.
func Present(backupDir string, k Kind) bool {
	_, err := os.Stat(path(backupDir, k))
	return err == nil
}

// AnyPresent reports whether any needFsck.* or noPoolCntOk marker
// exists under backupDir/refCnt, meaning the backup's refcount journal
// must not be trusted until a fsck pass runs.
func AnyPresent(backupDir string) bool {
	for _, k := range []Kind{NeedFsckDel, NeedFsckMig, NoPoolCntOk} {
		if Present(backupDir, k) {
			return true
		}
	}
	return false
}

// RefCntDirExists reports whether backupDir already has a refCnt/
// directory at all -- migration's pre-condition is that it must not,
// since a V4-shaped refCnt/ implies the backup was already migrated.
func RefCntDirExists(backupDir string) bool {
	_, err := os.Stat(filepath.Join(backupDir, refCntDirName))
	return err == nil
}
