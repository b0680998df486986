// drc/journal_test.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package drc

import (
	"testing"

	"github.com/bpc/poolengine/digest"
	"github.com/bpc/poolengine/pool"
)

func TestUpdateIgnoresEmptyDigestAndZeroDelta(t *testing.T) {
	j := New(t.TempDir())
	j.Update(pool.Uncompressed, digest.Digest{}, 5)
	j.Update(pool.Uncompressed, digest.V4Bytes([]byte("x")), 0)
	if len(j.Deltas()) != 0 {
		t.Fatalf("expected no deltas, got %v", j.Deltas())
	}
}

func TestUpdateSumsRepeatedDigest(t *testing.T) {
	j := New(t.TempDir())
	d := digest.V4Bytes([]byte("shared"))
	j.Update(pool.Uncompressed, d, 1)
	j.Update(pool.Uncompressed, d, 1)
	j.Update(pool.Uncompressed, d, -1)

	got := j.Deltas()[pool.Uncompressed][d]
	if got != 1 {
		t.Fatalf("got %d want 1", got)
	}
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	a := digest.V4Bytes([]byte("a"))
	b := digest.V4Bytes([]byte("b"))
	j.Update(pool.Compressed, a, 3)
	j.Update(pool.Compressed, b, -2)

	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(j.Deltas()) != 0 {
		t.Fatal("expected in-memory deltas to be cleared after Flush")
	}

	loaded, err := Load(j.dir, pool.Compressed)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded[a] != 3 || loaded[b] != -2 {
		t.Fatalf("loaded=%v", loaded)
	}
}

func TestFlushMergesWithExistingJournal(t *testing.T) {
	dir := t.TempDir()
	d := digest.V4Bytes([]byte("merge me"))

	j1 := New(dir)
	j1.Update(pool.Uncompressed, d, 2)
	if err := j1.Flush(); err != nil {
		t.Fatalf("Flush 1: %v", err)
	}

	j2 := New(dir)
	j2.Update(pool.Uncompressed, d, -5)
	if err := j2.Flush(); err != nil {
		t.Fatalf("Flush 2: %v", err)
	}

	loaded, err := Load(j2.dir, pool.Uncompressed)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded[d] != -3 {
		t.Fatalf("got %d want -3", loaded[d])
	}
}

func TestFlushOfNothingIsNoop(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	loaded, err := Load(j.dir, pool.Uncompressed)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty journal, got %v", loaded)
	}
}

func TestNegativeCountsBelowZeroAreTolerated(t *testing.T) {
	dir := t.TempDir()
	d := digest.V4Bytes([]byte("goes negative"))
	j := New(dir)
	j.Update(pool.Uncompressed, d, -1)
	j.Update(pool.Uncompressed, d, -1)
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	loaded, err := Load(j.dir, pool.Uncompressed)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded[d] != -2 {
		t.Fatalf("got %d want -2", loaded[d])
	}
}
