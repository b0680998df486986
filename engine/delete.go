// engine/delete.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package engine

import (
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/bpc/poolengine/ac"
	"github.com/bpc/poolengine/drc"
)

// DeletePath removes the attribute record at path (relative to store's
// root, slash-separated) and everything under it, releasing the pool
// references it held. Directories are walked bottom-up: children are
// released before the directory's own container is retired, so a crash
// midway through never leaves a released child referenced by a still-
// live parent.
func DeletePath(store *ac.Store, journal *drc.Journal, state *State, path string) error {
	dir, name := splitPath(path)
	if name == "" {
		return deleteChildren(store, journal, state, dir)
	}
	rec, ok, err := store.Get(path)
	if err != nil {
		state.Log.Error("%s: reading attribute record: %v", path, err)
		return err
	}
	if !ok {
		return nil
	}
	return deleteEntry(store, journal, state, dir, name, rec)
}

// deleteChildren releases every entry directly inside dir without
// removing dir's own record from its parent -- used for whole-share and
// whole-backup deletes, where there is no parent entry to drop. Before
// walking, it unions in any subdirectory dir has on disk but no entry
// for in its own container, so a structural gap left by an earlier
// interrupted rewrite still gets its pool references released instead
// of silently vanishing from the index with them.
func deleteChildren(store *ac.Store, journal *drc.Journal, state *State, dir string) error {
	children, err := store.Entries(dir)
	if err != nil {
		state.Log.Error("%s: reading container: %v", dir, err)
		return err
	}
	if err := unionSubdirs(store, dir, children); err != nil {
		state.Log.Error("%s: scanning for untracked subdirectories: %v", dir, err)
		return err
	}
	for _, name := range sortedNames(children) {
		if err := deleteEntry(store, journal, state, dir, name, children[name]); err != nil {
			return err
		}
	}
	return nil
}

// unionSubdirs adds a placeholder DIR entry, marked NoAttrib, to known
// for every subdirectory dir has on disk that known doesn't already
// list. A crash between writing a child directory's own container and
// recording that child in dir's container leaves exactly this gap: the
// child's contents are real and still hold pool references, but
// nothing on the route down to it accounts for them anymore.
func unionSubdirs(store *ac.Store, dir string, known map[string]ac.Record) error {
	names, err := store.Subdirs(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := known[name]; ok {
			continue
		}
		known[name] = syntheticDirRecord(filepath.Join(store.Root(), dir, name), name)
	}
	return nil
}

// syntheticDirRecord builds a placeholder DIR record for a directory
// found only on disk, filling in what stat can tell about it since its
// parent's container has no record to supply the rest.
func syntheticDirRecord(path, name string) ac.Record {
	rec := ac.Record{Name: name, Type: ac.DIR, NoAttrib: true}
	fi, err := os.Lstat(path)
	if err != nil {
		return rec
	}
	rec.Mode = uint32(fi.Mode().Perm())
	rec.Mtime = fi.ModTime().Unix()
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		rec.UID = int(st.Uid)
		rec.GID = int(st.Gid)
	}
	return rec
}

func deleteEntry(store *ac.Store, journal *drc.Journal, state *State, dir, name string, rec ac.Record) error {
	full := joinPath(dir, name)

	if rec.Type == ac.DIR {
		if err := deleteChildren(store, journal, state, full); err != nil {
			return err
		}
		if err := releaseStaleContainers(store, journal, state, full); err != nil {
			return err
		}
		if err := store.FlushDir(full); err != nil {
			state.Log.Error("%s: retiring directory container: %v", full, err)
			return err
		}
		if err := os.Remove(filepath.Join(store.Root(), full)); err != nil && !os.IsNotExist(err) {
			state.Log.Error("%s: removing directory: %v", full, err)
		}
		state.DirCnt++
	} else {
		if err := releaseRecord(store, journal, rec); err != nil {
			state.Log.Error("%s: releasing pool references: %v", full, err)
			return err
		}
		state.FileCnt++
	}

	if _, err := store.Delete(full); err != nil {
		state.Log.Error("%s: removing attribute record: %v", full, err)
		return err
	}
	return nil
}

// releaseStaleContainers accounts for attrib_* files left behind by an
// interrupted rewrite, discovered while a directory is being retired --
// they carry pool-accounting weight (their digest was journaled +1 when
// written) that must be journaled -1 before the files themselves go away
// along with the rest of the directory.
func releaseStaleContainers(store *ac.Store, journal *drc.Journal, state *State, dir string) error {
	stale, err := store.StaleContainers(dir)
	if err != nil {
		state.Log.Error("%s: listing stale containers: %v", dir, err)
		return err
	}
	for _, sf := range stale {
		journal.Update(store.Compress(), sf.Digest, -1)
		if err := os.Remove(sf.Path); err != nil && !os.IsNotExist(err) {
			state.Log.Error("%s: removing stale container: %v", sf.Path, err)
		}
	}
	return nil
}

// releaseRecord drops rec's claim on whatever pool content it names: a
// direct digest, or its share of a hard-link group's nlinks. A group
// whose nlinks reaches zero has its inode entry removed and its own
// digest released in turn.
func releaseRecord(store *ac.Store, journal *drc.Journal, rec ac.Record) error {
	if rec.Type == ac.DELETED {
		return nil
	}
	if rec.HasDigest() {
		journal.Update(rec.Compress, rec.Digest, -1)
		return nil
	}
	if rec.Nlinks == 0 {
		return nil
	}

	inodeRec, ok, err := store.GetInode(rec.Inode)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	inodeRec.Nlinks--
	if inodeRec.Nlinks <= 0 {
		if !inodeRec.Digest.Empty() {
			journal.Update(inodeRec.Compress, inodeRec.Digest, -1)
		}
		return store.DeleteInode(rec.Inode)
	}
	return store.SetInode(rec.Inode, inodeRec)
}

func sortedNames(m map[string]ac.Record) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
