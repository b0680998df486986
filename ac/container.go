// ac/container.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package ac

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/bpc/poolengine/digest"
	"github.com/bpc/poolengine/pool"
)

const containerPrefix = "attrib_"

// entry is the wire shape of one Record inside a serialized container:
// msgpack needs an exported, ordered field to key by, so the container
// itself serializes as a slice rather than a map -- a map's iteration
// order is undefined, and the container's digest must be stable.
type entry struct {
	Name string
	Rec  Record
}

// container is one directory's (or the backup's single inode table's)
// attribute state: the entries currently known, and the digest under
// which they were last durably written.
type container struct {
	entries map[string]Record
	digest  digest.Digest
	dirty   bool
	// legacy marks a container whose on-disk file was a pre-release,
	// zero-length placeholder -- its digest lived only in the filename.
	// It reads back as an empty map; the first real write upgrades it.
	legacy bool
}

func newContainer() *container {
	return &container{entries: map[string]Record{}}
}

// loadContainer reads the current attrib_<hex> file (if any) from dir.
// A read or decode error on an existing file is returned with no
// container; it does not fall back to an empty container, and nothing
// is journaled for the digest the unread file's name encodes.
func loadContainer(dir string) (*container, error) {
	name, err := currentContainerName(dir)
	if err != nil {
		return nil, err
	}
	c := newContainer()
	if name == "" {
		return c, nil
	}

	d, err := digest.Parse(strings.TrimPrefix(name, containerPrefix))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: container file name is not a digest", name)
	}
	c.digest = d

	data, err := ioutil.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading container", name)
	}
	if len(data) == 0 {
		c.legacy = true
		return c, nil
	}

	var entries []entry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "%s: decoding container", name)
	}
	for _, e := range entries {
		c.entries[e.Name] = e.Rec
	}
	return c, nil
}

// currentContainerName returns the single attrib_* file name currently
// present in dir, or "" if none exists. More than one is a transitional
// state the engines clean up themselves; loadContainer picks the most
// recently modified one (ties broken by the lexicographically last
// name), which is the newer file under the rewrite protocol below (new
// file created before old one is unlinked).
func currentContainerName(dir string) (string, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "%s: reading directory", dir)
	}
	var current os.FileInfo
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), containerPrefix) {
			continue
		}
		if current == nil || e.ModTime().After(current.ModTime()) ||
			(e.ModTime().Equal(current.ModTime()) && e.Name() > current.Name()) {
			current = e
		}
	}
	if current == nil {
		return "", nil
	}
	return current.Name(), nil
}

// StaleFile is a leftover attrib_* file from an interrupted rewrite,
// paired with the digest its own name encodes so the caller can journal
// a -1 delta for it before unlinking.
type StaleFile struct {
	Path   string
	Digest digest.Digest
}

// staleContainerFiles lists attrib_* files in dir other than the one
// named current -- leftovers from an interrupted rewrite that the
// deletion and merge engines account for as a -1 delta each and unlink.
func staleContainerFiles(dir string, current digest.Digest) ([]StaleFile, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	currentName := containerPrefix + current.String()
	var stale []StaleFile
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, containerPrefix) || name == currentName {
			continue
		}
		d, err := digest.Parse(strings.TrimPrefix(name, containerPrefix))
		if err != nil {
			continue
		}
		stale = append(stale, StaleFile{Path: filepath.Join(dir, name), Digest: d})
	}
	return stale, nil
}

func serialize(entries map[string]Record) ([]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)

	ordered := make([]entry, 0, len(entries))
	for _, n := range names {
		ordered = append(ordered, entry{Name: n, Rec: entries[n]})
	}
	return msgpack.Marshal(ordered)
}

// rewrite implements the container rewrite protocol: compute the new
// digest, write the new file if there's anything to write, emit deltas
// for whichever of (old digest, new digest) actually changed, then
// unlink the old file. An identical rewrite (new digest == old digest)
// is a no-op that emits nothing, satisfying idempotent-write semantics.
func (c *container) rewrite(dir string, compress pool.Compress, sink DeltaSink) error {
	if !c.dirty {
		return nil
	}

	data, err := serialize(c.entries)
	if err != nil {
		return errors.Wrap(err, "serializing container")
	}

	var newDigest digest.Digest
	if len(data) > 0 {
		newDigest = digest.V4Bytes(data)
	}
	oldDigest := c.digest

	if newDigest == oldDigest {
		c.dirty = false
		c.legacy = false
		return nil
	}

	if len(data) > 0 {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Wrapf(err, "%s: creating container directory", dir)
		}
		path := filepath.Join(dir, containerPrefix+newDigest.String())
		if err := renameio.WriteFile(path, data, 0600); err != nil {
			return errors.Wrapf(err, "%s: writing container", path)
		}
		sink.Update(compress, newDigest, 1)
	}
	if !oldDigest.Empty() || c.legacy {
		if !oldDigest.Empty() {
			sink.Update(compress, oldDigest, -1)
		}
		oldPath := filepath.Join(dir, containerPrefix+oldDigest.String())
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s: removing old container", oldPath)
		}
	}

	c.digest = newDigest
	c.dirty = false
	c.legacy = false
	return nil
}
