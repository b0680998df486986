// engine/merge_test.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bpc/poolengine/ac"
	"github.com/bpc/poolengine/pool"
)

func newMergeContext(t *testing.T) (*MergeContext, string, string) {
	t.Helper()
	delStore, delJournal, delDir := newBackupStore(t)
	mergeStore, mergeJournal, mergeDir := newBackupStore(t)
	ctx := &MergeContext{
		Del:          delStore,
		Merge:        mergeStore,
		DelJournal:   delJournal,
		MergeJournal: mergeJournal,
		State:        newState(),
		Inodes:       NewInodeAllocator(0),
	}
	return ctx, delDir, mergeDir
}

func TestMergeAdoptsFileOnlyInDel(t *testing.T) {
	ctx, _, _ := newMergeContext(t)
	d := digestOf(11)
	if err := ctx.Del.Set("only-in-del.txt", ac.Record{Name: "only-in-del.txt", Type: ac.FILE, Digest: d}); err != nil {
		t.Fatal(err)
	}

	if err := MergeDirectory(ctx, ""); err != nil {
		t.Fatalf("MergeDirectory: %v", err)
	}

	rec, ok, err := ctx.Merge.Get("only-in-del.txt")
	if err != nil || !ok {
		t.Fatalf("expected record adopted into merge target, ok=%v err=%v", ok, err)
	}
	if rec.Digest != d {
		t.Fatalf("adopted record digest = %v, want %v", rec.Digest, d)
	}
	if _, ok, _ := ctx.Del.Get("only-in-del.txt"); ok {
		t.Fatal("expected record removed from deleted backup")
	}
	if got := ctx.DelJournal.Deltas()[pool.Uncompressed][d]; got != -1 {
		t.Fatalf("del journal delta = %d, want -1", got)
	}
	if got := ctx.MergeJournal.Deltas()[pool.Uncompressed][d]; got != 1 {
		t.Fatalf("merge journal delta = %d, want 1", got)
	}
}

func TestMergeDropsDelCopyWhenMergeAlreadyHasIt(t *testing.T) {
	ctx, _, _ := newMergeContext(t)
	delDigest := digestOf(21)
	mergeDigest := digestOf(22)
	if err := ctx.Del.Set("f.txt", ac.Record{Name: "f.txt", Type: ac.FILE, Digest: delDigest}); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Merge.Set("f.txt", ac.Record{Name: "f.txt", Type: ac.FILE, Digest: mergeDigest}); err != nil {
		t.Fatal(err)
	}

	if err := MergeDirectory(ctx, ""); err != nil {
		t.Fatalf("MergeDirectory: %v", err)
	}

	rec, ok, err := ctx.Merge.Get("f.txt")
	if err != nil || !ok || rec.Digest != mergeDigest {
		t.Fatalf("expected merge's own record to survive unchanged, got %+v ok=%v", rec, ok)
	}
	if got := ctx.DelJournal.Deltas()[pool.Uncompressed][delDigest]; got != -1 {
		t.Fatalf("expected del's surplus copy released, delta = %d", got)
	}
}

func TestMergeRecursesMatchingDirectories(t *testing.T) {
	ctx, delDir, _ := newMergeContext(t)
	if err := os.MkdirAll(filepath.Join(delDir, "sub"), 0700); err != nil {
		t.Fatal(err)
	}
	d := digestOf(31)
	if err := ctx.Del.Set("sub", ac.Record{Name: "sub", Type: ac.DIR}); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Merge.Set("sub", ac.Record{Name: "sub", Type: ac.DIR}); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Del.Set("sub/only-del.txt", ac.Record{Name: "only-del.txt", Type: ac.FILE, Digest: d}); err != nil {
		t.Fatal(err)
	}

	if err := MergeDirectory(ctx, ""); err != nil {
		t.Fatalf("MergeDirectory: %v", err)
	}

	if _, ok, _ := ctx.Merge.Get("sub/only-del.txt"); !ok {
		t.Fatal("expected file nested under a shared directory to be adopted")
	}
}

func TestMergeAdoptsWholeSubtreeByRename(t *testing.T) {
	ctx, delDir, mergeDir := newMergeContext(t)
	if err := os.MkdirAll(filepath.Join(delDir, "onlydel"), 0700); err != nil {
		t.Fatal(err)
	}
	d := digestOf(41)
	if err := ctx.Del.Set("onlydel", ac.Record{Name: "onlydel", Type: ac.DIR}); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Del.Set("onlydel/leaf.txt", ac.Record{Name: "leaf.txt", Type: ac.FILE, Digest: d}); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Del.Flush(false); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := MergeDirectory(ctx, ""); err != nil {
		t.Fatalf("MergeDirectory: %v", err)
	}

	if _, err := os.Stat(filepath.Join(delDir, "onlydel")); !os.IsNotExist(err) {
		t.Fatal("expected subtree to be physically moved out of the deleted backup")
	}
	if _, err := os.Stat(filepath.Join(mergeDir, "onlydel")); err != nil {
		t.Fatalf("expected subtree to now live under the merge target: %v", err)
	}
	if _, ok, err := ctx.Merge.Get("onlydel/leaf.txt"); err != nil || !ok {
		t.Fatalf("expected nested record readable from merge target, ok=%v err=%v", ok, err)
	}
	if got := ctx.MergeJournal.Deltas()[pool.Uncompressed][d]; got != 1 {
		t.Fatalf("merge journal delta for adopted leaf = %d, want 1", got)
	}
}

func TestMergeTransfersHardLinkGroupToFreshInode(t *testing.T) {
	ctx, _, _ := newMergeContext(t)
	d := digestOf(51)
	if err := ctx.Del.SetInode(7, ac.Record{Type: ac.FILE, Digest: d, Nlinks: 2}); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Del.Set("a.txt", ac.Record{Name: "a.txt", Type: ac.HARDLINK, Inode: 7, Nlinks: 2}); err != nil {
		t.Fatal(err)
	}

	if err := MergeDirectory(ctx, ""); err != nil {
		t.Fatalf("MergeDirectory: %v", err)
	}

	rec, ok, err := ctx.Merge.Get("a.txt")
	if err != nil || !ok {
		t.Fatalf("expected adopted hardlink record, ok=%v err=%v", ok, err)
	}
	if rec.Inode == 7 {
		t.Fatal("expected inode to be renumbered in the merge target's own table")
	}
	if _, ok, _ := ctx.Merge.GetInode(rec.Inode); !ok {
		t.Fatal("expected renumbered inode entry present in merge target")
	}
	if _, ok, _ := ctx.Del.GetInode(7); ok {
		t.Fatal("expected old inode entry removed from deleted backup")
	}
}

func TestMergeTransfersHardLinkGroupSharedBySiblings(t *testing.T) {
	ctx, _, _ := newMergeContext(t)
	d := digestOf(52)
	if err := ctx.Del.SetInode(9, ac.Record{Type: ac.FILE, Digest: d, Nlinks: 2}); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Del.Set("a.txt", ac.Record{Name: "a.txt", Type: ac.HARDLINK, Inode: 9, Nlinks: 2}); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Del.Set("b.txt", ac.Record{Name: "b.txt", Type: ac.HARDLINK, Inode: 9, Nlinks: 2}); err != nil {
		t.Fatal(err)
	}

	if err := MergeDirectory(ctx, ""); err != nil {
		t.Fatalf("MergeDirectory: %v", err)
	}

	recA, ok, err := ctx.Merge.Get("a.txt")
	if err != nil || !ok {
		t.Fatalf("expected a.txt adopted, ok=%v err=%v", ok, err)
	}
	recB, ok, err := ctx.Merge.Get("b.txt")
	if err != nil || !ok {
		t.Fatalf("expected b.txt adopted, ok=%v err=%v", ok, err)
	}
	if recA.Inode != recB.Inode {
		t.Fatalf("expected both siblings remapped to the same merge inode, got %d and %d", recA.Inode, recB.Inode)
	}
	if recA.Inode == 9 {
		t.Fatal("expected inode to be renumbered in the merge target's own table")
	}
	if _, ok, _ := ctx.Merge.GetInode(recA.Inode); !ok {
		t.Fatal("expected renumbered inode entry present in merge target")
	}
	if got := ctx.MergeJournal.Deltas()[pool.Uncompressed][d]; got != 1 {
		t.Fatalf("expected the shared digest journaled into merge exactly once, delta = %d", got)
	}
	if got := ctx.DelJournal.Deltas()[pool.Uncompressed][d]; got != -1 {
		t.Fatalf("expected the shared digest released from del exactly once, delta = %d", got)
	}
}

func TestMergePurgesDeletedTombstonesWhenFilling(t *testing.T) {
	ctx, _, _ := newMergeContext(t)
	ctx.FillTarget = true
	if err := ctx.Merge.Set("gone.txt", ac.Record{Name: "gone.txt", Type: ac.DELETED}); err != nil {
		t.Fatal(err)
	}

	if err := MergeDirectory(ctx, ""); err != nil {
		t.Fatalf("MergeDirectory: %v", err)
	}

	if _, ok, _ := ctx.Merge.Get("gone.txt"); ok {
		t.Fatal("expected DELETED tombstone to be purged once merge target is filled")
	}
}

func TestMergePurgesDeletedTombstoneShadowedByDelCopyWhenFilling(t *testing.T) {
	ctx, _, _ := newMergeContext(t)
	ctx.FillTarget = true
	d := digestOf(53)
	if err := ctx.Del.Set("shadowed.txt", ac.Record{Name: "shadowed.txt", Type: ac.FILE, Digest: d}); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Merge.Set("shadowed.txt", ac.Record{Name: "shadowed.txt", Type: ac.DELETED}); err != nil {
		t.Fatal(err)
	}

	if err := MergeDirectory(ctx, ""); err != nil {
		t.Fatalf("MergeDirectory: %v", err)
	}

	if _, ok, _ := ctx.Merge.Get("shadowed.txt"); ok {
		t.Fatal("expected the DELETED tombstone to be purged even though Del also had an entry for the name")
	}
	if got := ctx.DelJournal.Deltas()[pool.Uncompressed][d]; got != -1 {
		t.Fatalf("expected del's surplus copy released, delta = %d", got)
	}
}

func TestMergeKeepsDeletedTombstonesWhenNotFilling(t *testing.T) {
	ctx, _, _ := newMergeContext(t)
	if err := ctx.Merge.Set("gone.txt", ac.Record{Name: "gone.txt", Type: ac.DELETED}); err != nil {
		t.Fatal(err)
	}

	if err := MergeDirectory(ctx, ""); err != nil {
		t.Fatalf("MergeDirectory: %v", err)
	}

	if _, ok, _ := ctx.Merge.Get("gone.txt"); !ok {
		t.Fatal("expected DELETED tombstone to survive when merge target is still incremental")
	}
}
