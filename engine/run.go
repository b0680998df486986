// engine/run.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package engine

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/bpc/poolengine/ac"
	"github.com/bpc/poolengine/backupindex"
	"github.com/bpc/poolengine/drc"
	"github.com/bpc/poolengine/sentinel"
	"github.com/bpc/poolengine/util"
)

// Options selects what a Run call deletes and how.
type Options struct {
	// Paths restricts the run to these paths (relative to the backup, or
	// to Share if it's set). An empty Paths with an empty Share deletes
	// the whole backup.
	Paths []string
	Share string

	// Force overrides the keep-flag refusal.
	Force bool
	// NoMerge skips the merge-then-delete path even when a qualifying
	// merge candidate exists, degrading to a plain delete.
	NoMerge bool
	// KeepLogs retains XferLOG*/SmbLOG* files that a whole-backup delete
	// would otherwise remove.
	KeepLogs bool
	// ForceFlush rewrites every container, not just dirty ones, giving a
	// full refcount reconciliation pass something complete to check
	// against instead of only the containers this run happened to touch.
	// It also blocks the needFsck.del sentinel from being cleared even on
	// a clean run: an operator who has asked for a mandatory fsck against
	// a full rewrite still needs that fsck forced on the next boot.
	ForceFlush bool
}

// clearsSentinel reports whether a run may drop its needFsck.del marker:
// only a clean run, and only when policy hasn't demanded a mandatory
// fsck the marker exists to force.
func clearsSentinel(state *State, opts Options) bool {
	return state.Errors() == 0 && !opts.ForceFlush
}

// Result reports what a Run call did, for a CLI layer to translate into
// exit status and progress output.
type Result struct {
	FileCnt int
	DirCnt  int
	Errors  int
	Merged  bool
}

// Run deletes backup backupNum for host under topDir, merging it into
// its predecessor first when Options and the backup index agree that
// applies. It is the entry point cmd/backupDelete wires the CLI flags
// into.
func Run(topDir, host string, backupNum int, opts Options, log *util.Logger) (Result, error) {
	state := &State{Log: log}
	hostDir := filepath.Join(topDir, "pc", host)

	list, err := backupindex.Load(hostDir)
	if err != nil {
		return Result{}, errors.Wrapf(err, "%s: loading backup index", hostDir)
	}
	meta, ok := list.Find(backupNum)
	if !ok {
		return Result{}, errors.Errorf("%s: no backup number %d", hostDir, backupNum)
	}
	if meta.Keep && !opts.Force {
		return Result{}, errors.Errorf("backup %d is marked keep; pass Force to delete anyway", backupNum)
	}

	backupDir := filepath.Join(hostDir, strconv.Itoa(backupNum))
	if err := sentinel.Create(backupDir, sentinel.NeedFsckDel); err != nil {
		return Result{}, err
	}

	store := ac.NewStore(backupDir, meta.Compress)
	journal := drc.New(backupDir)
	store.SetDeltaSink(journal)

	pred, predExists, qualifies := list.MergeCandidate(backupNum)
	merged := predExists && qualifies && !opts.NoMerge

	var result Result
	if merged {
		mergeDir := filepath.Join(hostDir, strconv.Itoa(pred.Num))
		mergeStore := ac.NewStore(mergeDir, pred.Compress)
		mergeJournal := drc.New(mergeDir)
		mergeStore.SetDeltaSink(mergeJournal)

		if err := sentinel.Create(mergeDir, sentinel.NeedFsckDel); err != nil {
			return Result{}, err
		}
		if meta.Compress != pred.Compress {
			return Result{}, errors.Errorf("cannot merge backup %d (compress=%v) into backup %d (compress=%v): compression mode mismatch", backupNum, meta.Compress, pred.Num, pred.Compress)
		}

		ctx := &MergeContext{
			Del:          store,
			Merge:        mergeStore,
			DelJournal:   journal,
			MergeJournal: mergeJournal,
			State:        state,
			Inodes:       NewInodeAllocator(pred.InodeLast),
			FillTarget:   !meta.NoFill,
		}
		if err := runOverPaths(opts, func(relPath string) error {
			return MergeDirectory(ctx, relPath)
		}); err != nil {
			return Result{}, err
		}

		if err := mergeStore.Flush(opts.ForceFlush); err != nil {
			return Result{}, err
		}
		if err := mergeJournal.Flush(); err != nil {
			return Result{}, err
		}
		pred.InodeLast = ctx.Inodes.Last()
		pred.NoFill = pred.NoFill && meta.NoFill
		list.Set(pred)
		if clearsSentinel(state, opts) {
			if err := sentinel.Remove(mergeDir, sentinel.NeedFsckDel); err != nil {
				return Result{}, err
			}
		}
		result.Merged = true
	} else {
		if err := runOverPaths(opts, func(relPath string) error {
			return DeletePath(store, journal, state, relPath)
		}); err != nil {
			return Result{}, err
		}
	}

	if err := store.Flush(opts.ForceFlush); err != nil {
		return Result{}, err
	}
	if err := journal.Flush(); err != nil {
		return Result{}, err
	}

	wholeBackup := opts.Share == "" && len(opts.Paths) == 0
	if wholeBackup {
		if !opts.KeepLogs {
			removeTransferLogs(backupDir)
		}
		list.Remove(backupNum)
	}
	if err := list.Save(); err != nil {
		return Result{}, err
	}

	if clearsSentinel(state, opts) {
		if err := sentinel.Remove(backupDir, sentinel.NeedFsckDel); err != nil {
			return Result{}, err
		}
	}

	result.FileCnt = state.FileCnt
	result.DirCnt = state.DirCnt
	result.Errors = state.Errors()
	return result, nil
}

// runOverPaths applies fn to each target path implied by opts: every
// requested path under Share, or the whole backup (its top-level
// entries) when neither Share nor Paths was given.
func runOverPaths(opts Options, fn func(relPath string) error) error {
	if opts.Share == "" && len(opts.Paths) == 0 {
		return fn("")
	}
	if len(opts.Paths) == 0 {
		return fn(opts.Share)
	}
	for _, p := range opts.Paths {
		if err := fn(joinPath(opts.Share, p)); err != nil {
			return err
		}
	}
	return nil
}

func removeTransferLogs(backupDir string) {
	matches, _ := filepath.Glob(filepath.Join(backupDir, "XferLOG*"))
	more, _ := filepath.Glob(filepath.Join(backupDir, "SmbLOG*"))
	for _, f := range append(matches, more...) {
		os.Remove(f)
	}
}
