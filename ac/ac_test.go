// ac/ac_test.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package ac

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/bpc/poolengine/digest"
	"github.com/bpc/poolengine/pool"
)

// fakeSink records every delta it's handed, the way a test double for
// drc.Journal would, without pulling that package in as a dependency.
type fakeSink struct {
	deltas map[digest.Digest]int32
}

func newFakeSink() *fakeSink {
	return &fakeSink{deltas: map[digest.Digest]int32{}}
}

func (f *fakeSink) Update(c pool.Compress, d digest.Digest, delta int32) {
	f.deltas[d] += delta
}

func TestSetGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, pool.Uncompressed)
	sink := newFakeSink()
	s.SetDeltaSink(sink)

	rec := Record{Name: "foo", Type: FILE, Size: 42, Digest: digest.V4Bytes([]byte("hello"))}
	if err := s.Set("foo", rec); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get("foo")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got != rec {
		t.Fatalf("got %+v want %+v", got, rec)
	}
}

func TestFlushWritesContainerAndEmitsDelta(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, pool.Compressed)
	sink := newFakeSink()
	s.SetDeltaSink(sink)

	rec := Record{Name: "a.txt", Type: FILE, Digest: digest.V4Bytes([]byte("content"))}
	if err := s.Set("a.txt", rec); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	d, err := s.ContainerDigest(".")
	if err != nil {
		t.Fatalf("ContainerDigest: %v", err)
	}
	if d.Empty() {
		t.Fatal("expected a non-empty container digest after flushing a non-empty container")
	}
	if sink.deltas[d] != 1 {
		t.Fatalf("expected +1 delta for new container digest, got %d", sink.deltas[d])
	}

	entries, err := ioutil.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name() == containerPrefix+d.String() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected attrib_%s in %s, got %v", d, root, entries)
	}
}

func TestFlushIsIdempotent(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, pool.Uncompressed)
	sink := newFakeSink()
	s.SetDeltaSink(sink)

	rec := Record{Name: "a.txt", Type: FILE, Digest: digest.V4Bytes([]byte("stable"))}
	s.Set("a.txt", rec)
	if err := s.Flush(false); err != nil {
		t.Fatalf("first Flush: %v", err)
	}

	// Re-set the identical record and flush again: no digest change, so
	// no new deltas and no rewrite.
	s.Set("a.txt", rec)
	before := map[digest.Digest]int32{}
	for k, v := range sink.deltas {
		before[k] = v
	}
	if err := s.Flush(true); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if len(sink.deltas) != len(before) {
		t.Fatalf("idempotent flush should not add new deltas: before=%v after=%v", before, sink.deltas)
	}
	for k, v := range before {
		if sink.deltas[k] != v {
			t.Fatalf("idempotent flush changed delta for %s: %d -> %d", k, v, sink.deltas[k])
		}
	}
}

func TestFlushOnDigestChangeRetiresOldContainer(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, pool.Uncompressed)
	sink := newFakeSink()
	s.SetDeltaSink(sink)

	s.Set("a.txt", Record{Name: "a.txt", Type: FILE, Digest: digest.V4Bytes([]byte("v1"))})
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush 1: %v", err)
	}
	oldDigest, _ := s.ContainerDigest(".")
	oldBefore := sink.deltas[oldDigest]

	s.Set("a.txt", Record{Name: "a.txt", Type: FILE, Digest: digest.V4Bytes([]byte("v2"))})
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush 2: %v", err)
	}
	newDigest, _ := s.ContainerDigest(".")

	if oldDigest == newDigest {
		t.Fatal("expected container digest to change after content change")
	}
	if got := sink.deltas[oldDigest] - oldBefore; got != -1 {
		t.Fatalf("expected retiring the old container digest to journal -1, got %d", got)
	}
	if sink.deltas[newDigest] != 1 {
		t.Fatalf("expected new container digest to net +1, got %d", sink.deltas[newDigest])
	}
	if _, err := os.Stat(filepath.Join(root, containerPrefix+oldDigest.String())); !os.IsNotExist(err) {
		t.Fatalf("expected old container file to be unlinked, stat err=%v", err)
	}
}

func TestDeleteAllEntriesRemovesContainerFile(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, pool.Uncompressed)
	sink := newFakeSink()
	s.SetDeltaSink(sink)

	s.Set("only.txt", Record{Name: "only.txt", Type: FILE, Digest: digest.V4Bytes([]byte("x"))})
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush 1: %v", err)
	}
	oldDigest, _ := s.ContainerDigest(".")
	oldBefore := sink.deltas[oldDigest]

	if _, err := s.Delete("only.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush 2: %v", err)
	}

	newDigest, _ := s.ContainerDigest(".")
	if !newDigest.Empty() {
		t.Fatalf("expected empty digest for empty container, got %s", newDigest)
	}
	if got := sink.deltas[oldDigest] - oldBefore; got != -1 {
		t.Fatalf("expected -1 for retired container, got %d", got)
	}

	entries, _ := ioutil.ReadDir(root)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == "" {
			t.Fatalf("expected no attrib_* files left in an empty container dir, found %s", e.Name())
		}
	}
}

func TestInodeTableRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, pool.Uncompressed)
	sink := newFakeSink()
	s.SetDeltaSink(sink)

	rec := Record{Type: FILE, Digest: digest.V4Bytes([]byte("shared")), Nlinks: 2}
	if err := s.SetInode(7, rec); err != nil {
		t.Fatalf("SetInode: %v", err)
	}
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, ok, err := s.GetInode(7)
	if err != nil || !ok {
		t.Fatalf("GetInode: ok=%v err=%v", ok, err)
	}
	if got.Nlinks != 2 {
		t.Fatalf("got Nlinks=%d want 2", got.Nlinks)
	}

	if err := s.DeleteInode(7); err != nil {
		t.Fatalf("DeleteInode: %v", err)
	}
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush after delete: %v", err)
	}
	if _, ok, _ := s.GetInode(7); ok {
		t.Fatal("expected inode 7 to be gone after DeleteInode+Flush")
	}
}

func TestLegacyZeroLengthContainerReadsAsEmpty(t *testing.T) {
	root := t.TempDir()
	legacyDigest := digest.V4Bytes(nil)
	if err := ioutil.WriteFile(filepath.Join(root, containerPrefix+legacyDigest.String()), nil, 0600); err != nil {
		t.Fatalf("writing legacy placeholder: %v", err)
	}

	s := NewStore(root, pool.Uncompressed)
	_, ok, err := s.Get("anything")
	if err != nil {
		t.Fatalf("Get on legacy container: %v", err)
	}
	if ok {
		t.Fatal("legacy zero-length container should read back with no entries")
	}
}

func TestLegacyContainerUpgradesOnWrite(t *testing.T) {
	root := t.TempDir()
	legacyDigest := digest.V4Bytes(nil)
	legacyPath := filepath.Join(root, containerPrefix+legacyDigest.String())
	if err := ioutil.WriteFile(legacyPath, nil, 0600); err != nil {
		t.Fatalf("writing legacy placeholder: %v", err)
	}

	s := NewStore(root, pool.Uncompressed)
	sink := newFakeSink()
	s.SetDeltaSink(sink)

	if err := s.Set("new.txt", Record{Name: "new.txt", Type: FILE, Digest: digest.V4Bytes([]byte("upgraded"))}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := os.Stat(legacyPath); !os.IsNotExist(err) {
		t.Fatalf("expected legacy placeholder to be replaced, stat err=%v", err)
	}
	newDigest, err := s.ContainerDigest(".")
	if err != nil {
		t.Fatalf("ContainerDigest: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, containerPrefix+newDigest.String())); err != nil {
		t.Fatalf("expected upgraded container file to exist: %v", err)
	}
}

func TestLegacyReadOnlySuppressesUpgrade(t *testing.T) {
	root := t.TempDir()
	legacyDigest := digest.V4Bytes(nil)
	legacyPath := filepath.Join(root, containerPrefix+legacyDigest.String())
	if err := ioutil.WriteFile(legacyPath, nil, 0600); err != nil {
		t.Fatalf("writing legacy placeholder: %v", err)
	}

	s := NewStore(root, pool.Uncompressed)
	s.LegacyReadOnly = true
	s.SetDeltaSink(newFakeSink())

	if err := s.Set("new.txt", Record{Name: "new.txt", Type: FILE, Digest: digest.V4Bytes([]byte("z"))}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Flush(true); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := os.Stat(legacyPath); err != nil {
		t.Fatalf("expected legacy placeholder to survive a LegacyReadOnly flush: %v", err)
	}
}
