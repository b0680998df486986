// backupindex/backupindex_test.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package backupindex

import (
	"testing"

	"github.com/bpc/poolengine/pool"
)

func TestLoadMissingIsEmpty(t *testing.T) {
	l, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(l.Backups()) != 0 {
		t.Fatalf("expected empty list, got %v", l.Backups())
	}
}

func TestSetSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	l.Set(Meta{Num: 1, Version: V4, Compress: pool.Compressed, NoFill: false, Keep: true})
	l.Set(Meta{Num: 2, Version: V4, Compress: pool.Compressed, NoFill: true})
	if err := l.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.Backups()
	if len(got) != 2 || got[0].Num != 1 || got[1].Num != 2 {
		t.Fatalf("got %+v", got)
	}
	if !got[0].Keep {
		t.Fatal("expected backup 1's Keep flag to round-trip")
	}
}

func TestFindAndRemove(t *testing.T) {
	l := &List{}
	l.Set(Meta{Num: 5})
	if _, ok := l.Find(5); !ok {
		t.Fatal("expected to find backup 5")
	}
	if !l.Remove(5) {
		t.Fatal("expected Remove to report existing entry")
	}
	if _, ok := l.Find(5); ok {
		t.Fatal("expected backup 5 gone after Remove")
	}
	if l.Remove(5) {
		t.Fatal("expected second Remove to report false")
	}
}

func TestMergeCandidateQualifies(t *testing.T) {
	l := &List{}
	l.Set(Meta{Num: 2, Version: V4, NoFill: true})
	l.Set(Meta{Num: 3, Version: V4})

	pred, exists, qualifies := l.MergeCandidate(3)
	if !exists || pred.Num != 2 {
		t.Fatalf("expected predecessor #2, got %+v exists=%v", pred, exists)
	}
	if !qualifies {
		t.Fatal("expected #2 (V4, noFill=true) to qualify as a merge candidate")
	}
}

func TestMergeCandidateDoesNotQualifyWhenFilled(t *testing.T) {
	l := &List{}
	l.Set(Meta{Num: 1, Version: V4, NoFill: false})

	pred, exists, qualifies := l.MergeCandidate(2)
	if !exists || pred.Num != 1 {
		t.Fatalf("expected predecessor #1, got %+v exists=%v", pred, exists)
	}
	if qualifies {
		t.Fatal("filled predecessor should not qualify for merge")
	}
}

func TestMergeCandidateDoesNotQualifyWhenV3(t *testing.T) {
	l := &List{}
	l.Set(Meta{Num: 1, Version: V3, NoFill: true})

	_, exists, qualifies := l.MergeCandidate(2)
	if !exists {
		t.Fatal("expected a predecessor to exist")
	}
	if qualifies {
		t.Fatal("V3 predecessor should not qualify for merge")
	}
}

func TestMergeCandidateNoPredecessor(t *testing.T) {
	l := &List{}
	l.Set(Meta{Num: 5})

	_, exists, _ := l.MergeCandidate(1)
	if exists {
		t.Fatal("expected no predecessor for the lowest-numbered backup")
	}
}
