// ac/store.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package ac

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/bpc/poolengine/digest"
	"github.com/bpc/poolengine/pool"
)

// DeltaSink is the journal interface AC rewrites emit refcount changes
// into. It is injected rather than owned so that the AC component
// doesn't have to outlive (or know the lifetime of) the engine run that
// uses it -- the same "sink" shape the deletion and merge engines use
// for their own digest deltas.
type DeltaSink interface {
	Update(compress pool.Compress, d digest.Digest, delta int32)
}

const inodeDirName = "inode"

// refCntDirName is the backup's refcount journal and sentinel directory;
// it holds no attribute containers.
const refCntDirName = "refCnt"

// Store is the attribute-container store scoped to one backup share (or
// the whole backup, if share-less): every directory under root gets its
// own lazily-loaded container, plus one shared container for the
// backup's inode table. LegacyReadOnly, when set, suppresses flush()
// entirely -- it exists so tests can exercise "legacy container stays
// readable" without also exercising "legacy container gets upgraded on
// write", which would otherwise happen on the very next flush.
type Store struct {
	root     string
	compress pool.Compress
	sink     DeltaSink

	containers map[string]*container
	inode      *container

	LegacyReadOnly bool
}

// NewStore returns a Store rooted at root (a backup or share directory).
// SetDeltaSink must be called before the first Flush or FlushDir; either
// one panics on a Store with no sink rather than silently dropping
// accounting.
func NewStore(root string, compress pool.Compress) *Store {
	return &Store{
		root:       root,
		compress:   compress,
		containers: map[string]*container{},
	}
}

// SetDeltaSink wires in the journal that will receive rewrite deltas.
func (s *Store) SetDeltaSink(sink DeltaSink) {
	s.sink = sink
}

func (s *Store) dirContainer(dir string) (*container, error) {
	if c, ok := s.containers[dir]; ok {
		return c, nil
	}
	c, err := loadContainer(filepath.Join(s.root, dir))
	if err != nil {
		return nil, err
	}
	s.containers[dir] = c
	return c, nil
}

func (s *Store) inodeContainer() (*container, error) {
	if s.inode != nil {
		return s.inode, nil
	}
	c, err := loadContainer(filepath.Join(s.root, inodeDirName))
	if err != nil {
		return nil, err
	}
	s.inode = c
	return c, nil
}

// Get returns the record for path (a slash-separated path relative to
// root), and whether it was found.
func (s *Store) Get(path string) (Record, bool, error) {
	dir, name := filepath.Split(path)
	c, err := s.dirContainer(filepath.Clean(dir))
	if err != nil {
		return Record{}, false, err
	}
	r, ok := c.entries[name]
	return r, ok, nil
}

// Set stores rec under path, dirtying its container.
func (s *Store) Set(path string, rec Record) error {
	dir, name := filepath.Split(path)
	c, err := s.dirContainer(filepath.Clean(dir))
	if err != nil {
		return err
	}
	c.entries[name] = rec
	c.dirty = true
	return nil
}

// Delete removes path's record, reporting whether it existed.
func (s *Store) Delete(path string) (bool, error) {
	dir, name := filepath.Split(path)
	c, err := s.dirContainer(filepath.Clean(dir))
	if err != nil {
		return false, err
	}
	_, ok := c.entries[name]
	if ok {
		delete(c.entries, name)
		c.dirty = true
	}
	return ok, nil
}

func inodeKey(inode uint64) string {
	return fmt.Sprintf("%d", inode)
}

// GetInode returns the shared attribute record for a hard-link group.
func (s *Store) GetInode(inode uint64) (Record, bool, error) {
	c, err := s.inodeContainer()
	if err != nil {
		return Record{}, false, err
	}
	r, ok := c.entries[inodeKey(inode)]
	return r, ok, nil
}

// SetInode stores or updates the shared record for a hard-link group.
func (s *Store) SetInode(inode uint64, rec Record) error {
	c, err := s.inodeContainer()
	if err != nil {
		return err
	}
	c.entries[inodeKey(inode)] = rec
	c.dirty = true
	return nil
}

// DeleteInode removes a hard-link group's shared record, once its
// Nlinks has been decremented to zero by every referencing path.
func (s *Store) DeleteInode(inode uint64) error {
	c, err := s.inodeContainer()
	if err != nil {
		return err
	}
	delete(c.entries, inodeKey(inode))
	c.dirty = true
	return nil
}

// Flush serializes dirty containers to disk (or all containers, if
// force is true), running the rewrite protocol on each and emitting the
// resulting deltas into the wired sink.
func (s *Store) Flush(force bool) error {
	if s.LegacyReadOnly {
		return nil
	}
	if s.sink == nil {
		panic("ac: Flush called before SetDeltaSink")
	}

	for dir, c := range s.containers {
		if !c.dirty && !force {
			continue
		}
		if err := c.rewrite(filepath.Join(s.root, dir), s.compress, s.sink); err != nil {
			return err
		}
	}
	if s.inode != nil && (s.inode.dirty || force) {
		if err := s.inode.rewrite(filepath.Join(s.root, inodeDirName), s.compress, s.sink); err != nil {
			return err
		}
	}
	return nil
}

// FlushDir rewrites a single directory's container immediately, without
// touching any other container. The deletion engine calls this to retire
// a directory's own container file -- typically down to nothing, once
// every entry inside it has been removed -- before it removes the now-
// empty physical directory; waiting for a whole-Store Flush would leave
// the attrib_* file in place and the rmdir would fail.
func (s *Store) FlushDir(dir string) error {
	if s.LegacyReadOnly {
		return nil
	}
	if s.sink == nil {
		panic("ac: FlushDir called before SetDeltaSink")
	}
	c, err := s.dirContainer(filepath.Clean(dir))
	if err != nil {
		return err
	}
	return c.rewrite(filepath.Join(s.root, dir), s.compress, s.sink)
}

// StaleContainers reports leftover attrib_* files in dir (relative to
// root) other than the currently-loaded one, each paired with the
// digest its name encodes.
func (s *Store) StaleContainers(dir string) ([]StaleFile, error) {
	c, err := s.dirContainer(filepath.Clean(dir))
	if err != nil {
		return nil, err
	}
	return staleContainerFiles(filepath.Join(s.root, dir), c.digest)
}

// Entries returns a copy of dir's container entries, for callers that
// need to enumerate a whole directory's records rather than look one up
// by name.
func (s *Store) Entries(dir string) (map[string]Record, error) {
	c, err := s.dirContainer(filepath.Clean(dir))
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out, nil
}

// Subdirs lists the physical subdirectories dir has on disk (relative
// to root), excluding the shared inode-table directory and the refCnt
// directory that only ever appear at the store's own root. Entries alone can't see a directory
// that a crash left out of dir's container -- this is how the deletion
// and merge engines catch one anyway.
func (s *Store) Subdirs(dir string) ([]string, error) {
	ents, err := ioutil.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, fi := range ents {
		if !fi.IsDir() {
			continue
		}
		if dir == "" && (fi.Name() == inodeDirName || fi.Name() == refCntDirName) {
			continue
		}
		out = append(out, fi.Name())
	}
	return out, nil
}

// Root returns the directory the Store is rooted at.
func (s *Store) Root() string {
	return s.root
}

// Compress returns the compression mode this Store's containers (and the
// deltas their rewrites emit) are journaled under.
func (s *Store) Compress() pool.Compress {
	return s.compress
}

// ContainerDigest returns the currently-loaded digest for dir's
// container -- the digest its attrib_<hex> file name encodes, or the
// zero digest when it has none -- without going through Get/Set.
func (s *Store) ContainerDigest(dir string) (digest.Digest, error) {
	c, err := s.dirContainer(filepath.Clean(dir))
	if err != nil {
		return digest.Digest{}, err
	}
	return c.digest, nil
}
