// engine/merge.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package engine

import (
	"os"
	"path/filepath"

	"github.com/bpc/poolengine/ac"
	"github.com/bpc/poolengine/drc"
)

// InodeAllocator hands out fresh, monotonically increasing inode numbers
// for one backup. The merge engine uses it to renumber hard-link groups
// adopted from the deleted backup's inode table, since inode numbers are
// only unique within a single backup.
type InodeAllocator struct {
	last uint64
}

// NewInodeAllocator starts allocation after last, the high-water mark
// recorded in the target backup's index entry.
func NewInodeAllocator(last uint64) *InodeAllocator {
	return &InodeAllocator{last: last}
}

// Next returns the next unused inode number.
func (a *InodeAllocator) Next() uint64 {
	a.last++
	return a.last
}

// Last returns the highest inode number handed out so far, for saving
// back into the backup index once a merge run completes.
func (a *InodeAllocator) Last() uint64 {
	return a.last
}

// MergeContext bundles the two sides of a merge: the backup being
// deleted (Del) and the predecessor it folds into (Merge). FillTarget is
// true when Merge is becoming a filled (non-incremental) backup as a
// result of absorbing Del's content, which licenses purging DELETED
// tombstones Merge no longer needs to shadow.
type MergeContext struct {
	Del          *ac.Store
	Merge        *ac.Store
	DelJournal   *drc.Journal
	MergeJournal *drc.Journal
	State        *State
	Inodes       *InodeAllocator
	FillTarget   bool

	// inodeRemap memoizes Del inode -> Merge inode for the run: a hard-
	// link group's Del-side inode entry is deleted the first time one of
	// its path records is transferred, so a second record referencing
	// the same original inode has nothing left to read from Del and must
	// be pointed at the already-allocated Merge inode instead of getting
	// renumbered again.
	inodeRemap map[uint64]uint64
}

// MergeDirectory folds relPath's entries from Del into Merge, recursing
// into subdirectories present on both sides, adopting subtrees that only
// exist under Del, dropping Del's copy of anything Merge already has its
// own record for, and leaving Merge's already-final entries untouched.
// Before comparing, it unions in any subdirectory either side has on
// disk but no listing entry for -- the structural-loss case a crash
// between writing a child's container and recording it in the parent
// can leave behind. Left out of the comparison, such a subtree would be
// silently skipped by the walk below and its pool digests would leave
// the index without ever being re-journaled.
func MergeDirectory(ctx *MergeContext, relPath string) error {
	delEntries, err := ctx.Del.Entries(relPath)
	if err != nil {
		ctx.State.Log.Error("%s: reading deleted-backup container: %v", relPath, err)
		return err
	}
	mergeEntries, err := ctx.Merge.Entries(relPath)
	if err != nil {
		ctx.State.Log.Error("%s: reading merge-target container: %v", relPath, err)
		return err
	}
	if err := unionSubdirs(ctx.Del, relPath, delEntries); err != nil {
		ctx.State.Log.Error("%s: scanning deleted-backup directory: %v", relPath, err)
		return err
	}
	if err := unionSubdirs(ctx.Merge, relPath, mergeEntries); err != nil {
		ctx.State.Log.Error("%s: scanning merge-target directory: %v", relPath, err)
		return err
	}

	for _, name := range sortedNames(delEntries) {
		delRec := delEntries[name]
		mergeRec, inMerge := mergeEntries[name]

		switch {
		case inMerge && delRec.Type == ac.DIR && mergeRec.Type == ac.DIR:
			if mergeRec.NoAttrib && !delRec.NoAttrib {
				// Merge's side of this directory is only a disk-scan
				// placeholder; Del's side has real attributes, so pull
				// them over before descending.
				mergeRec.Mode, mergeRec.UID, mergeRec.GID, mergeRec.Mtime = delRec.Mode, delRec.UID, delRec.GID, delRec.Mtime
				mergeRec.NoAttrib = false
				if err := ctx.Merge.Set(joinPath(relPath, name), mergeRec); err != nil {
					return err
				}
			}
			if err := MergeDirectory(ctx, joinPath(relPath, name)); err != nil {
				return err
			}
		case inMerge:
			// Merge already has a final answer for this name; Del's copy
			// is surplus and is released exactly as a plain delete would.
			if err := deleteEntry(ctx.Del, ctx.DelJournal, ctx.State, relPath, name, delRec); err != nil {
				return err
			}
		default:
			if err := adopt(ctx, relPath, name, delRec); err != nil {
				return err
			}
		}
	}

	if ctx.FillTarget {
		// Re-read Merge's container instead of reusing mergeEntries: the
		// fold above may have overwritten some of those names (a shared
		// directory recursed into, a NoAttrib placeholder given real
		// attributes), and only a name that is still DELETED after the
		// fold is a tombstone left over for the purge to drop.
		final, err := ctx.Merge.Entries(relPath)
		if err != nil {
			ctx.State.Log.Error("%s: re-reading merge-target container: %v", relPath, err)
			return err
		}
		for name, rec := range final {
			if rec.Type == ac.DELETED {
				if _, err := ctx.Merge.Delete(joinPath(relPath, name)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// adopt moves an entry that exists only under Del into Merge. A leaf
// entry just changes which container holds its record, with its pool
// reference (direct digest or inode share) re-journaled from Del to
// Merge. A directory is moved physically -- its own subtree of
// containers is already self-consistent, so renaming it whole is cheaper
// and safer than replaying every descendant one at a time -- and then
// walked once more to re-home the pool references it carries.
func adopt(ctx *MergeContext, dir, name string, rec ac.Record) error {
	full := joinPath(dir, name)

	if rec.Type != ac.DIR {
		if err := transferOwnership(ctx, &rec); err != nil {
			ctx.State.Log.Error("%s: transferring pool ownership: %v", full, err)
			return err
		}
		if err := ctx.Merge.Set(full, rec); err != nil {
			return err
		}
		if _, err := ctx.Del.Delete(full); err != nil {
			return err
		}
		ctx.State.FileCnt++
		return nil
	}

	src := filepath.Join(ctx.Del.Root(), full)
	dst := filepath.Join(ctx.Merge.Root(), full)
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		ctx.State.Log.Error("%s: creating parent directory: %v", dst, err)
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		ctx.State.Log.Error("%s: adopting subtree: %v", full, err)
		return err
	}
	if err := ctx.Merge.Set(full, rec); err != nil {
		return err
	}
	if _, err := ctx.Del.Delete(full); err != nil {
		return err
	}
	if err := transferSubtree(ctx, full); err != nil {
		return err
	}
	ctx.State.DirCnt++
	return nil
}

// transferSubtree re-tallies pool ownership for a directory subtree that
// was just physically renamed from Del's root to Merge's root: it reads
// the moved containers back through Merge (a fresh load, since Merge had
// no prior cache entry for this path) and re-homes every digest and
// inode reference it finds.
func transferSubtree(ctx *MergeContext, relPath string) error {
	entries, err := ctx.Merge.Entries(relPath)
	if err != nil {
		ctx.State.Log.Error("%s: reading adopted subtree: %v", relPath, err)
		return err
	}
	for name, rec := range entries {
		full := joinPath(relPath, name)
		if rec.Type == ac.DIR {
			if err := transferSubtree(ctx, full); err != nil {
				return err
			}
			ctx.State.DirCnt++
			continue
		}
		if err := transferOwnership(ctx, &rec); err != nil {
			ctx.State.Log.Error("%s: transferring pool ownership: %v", full, err)
			return err
		}
		if err := ctx.Merge.Set(full, rec); err != nil {
			return err
		}
		ctx.State.FileCnt++
	}
	return nil
}

// transferOwnership moves rec's pool reference from Del's journal to
// Merge's: a direct digest just changes which journal counts it, while a
// hard-link group is renumbered into Merge's inode table since the two
// backups' inode numberings are independent. transferOwnership is called
// once per path record in the group, but the group's Del-side inode
// entry only exists to be read (and journaled) once, so the first call
// to see a given original inode does that work and remembers the new
// number in ctx.inodeRemap; every later record sharing that inode just
// looks the mapping up instead of finding the entry already gone.
func transferOwnership(ctx *MergeContext, rec *ac.Record) error {
	if rec.HasDigest() {
		ctx.DelJournal.Update(rec.Compress, rec.Digest, -1)
		ctx.MergeJournal.Update(rec.Compress, rec.Digest, 1)
		return nil
	}
	if rec.Nlinks == 0 {
		return nil
	}

	if newInode, ok := ctx.inodeRemap[rec.Inode]; ok {
		rec.Inode = newInode
		return nil
	}

	inodeRec, ok, err := ctx.Del.GetInode(rec.Inode)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	newInode := ctx.Inodes.Next()
	if !inodeRec.Digest.Empty() {
		ctx.DelJournal.Update(inodeRec.Compress, inodeRec.Digest, -1)
		ctx.MergeJournal.Update(inodeRec.Compress, inodeRec.Digest, 1)
	}
	if err := ctx.Merge.SetInode(newInode, inodeRec); err != nil {
		return err
	}
	if err := ctx.Del.DeleteInode(rec.Inode); err != nil {
		return err
	}
	if ctx.inodeRemap == nil {
		ctx.inodeRemap = map[uint64]uint64{}
	}
	ctx.inodeRemap[rec.Inode] = newInode
	rec.Inode = newInode
	return nil
}
