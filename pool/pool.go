// pool/pool.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// Package pool implements the content-addressed blob store backing the
// deduplicated backup tree: two parallel pools, one per compression
// mode, each blob stored at a path derived from its digest. Engines
// treat pool hashing and writing as an external interface; callers wire
// their own TopDir-based layout by implementing Backend.
package pool

import (
	"io"

	"github.com/bpc/poolengine/digest"
	"github.com/bpc/poolengine/util"
)

var log *util.Logger

// SetLogger wires in the logger used by every Backend returned from this
// package, mirroring storage.SetLogger in the teacher.
func SetLogger(l *util.Logger) {
	log = l
}

// Compress identifies which of the two parallel pools a blob's digest
// lives in.
type Compress int

const (
	Uncompressed Compress = 0
	Compressed   Compress = 1
)

func (c Compress) String() string {
	if c == Compressed {
		return "compressed"
	}
	return "uncompressed"
}

// WriteResult reports what a pool write actually did: the digest the
// blob was stored (or found) under, whether it was already present, and
// its size. Errors are surfaced through the returned error rather than
// a bare count, since Go callers can just log.Error and move on exactly
// as the teacher does.
type WriteResult struct {
	Digest         digest.Digest
	AlreadyExisted bool
	Size           int64
}

// Backend is the pool-maintenance surface the deletion, merge and
// migration engines need: write-once, content-addressed blob storage
// with an explicit existence/link/remove API so that migration's pool
// reconciliation and the deletion/merge engines' refcount bookkeeping
// never need to know the on-disk layout.
type Backend interface {
	// Write streams r into the pool under the given compression mode,
	// returning the digest it was stored (or found) under. Dedup is
	// automatic: if a blob with the resulting digest already exists,
	// Write reports AlreadyExisted and does not rewrite it.
	Write(c Compress, r io.Reader) (WriteResult, error)

	// Exists reports whether a blob is already stored under (c, d).
	Exists(c Compress, d digest.Digest) bool

	// Path returns the on-disk path for (c, d), used by MIG to check
	// whether a source file is already hard-linked at its V4 pool path.
	Path(c Compress, d digest.Digest) string

	// Link hard-links an existing file at srcPath into the pool under
	// (c, d), for migration's "already in the legacy pool" fast path. It
	// does not verify srcPath's contents.
	Link(c Compress, d digest.Digest, srcPath string) error

	// Remove deletes a blob from the pool. The deletion/merge engine
	// never calls this directly -- removal is a separate reaper's job,
	// out of scope here -- and only tests call it.
	Remove(c Compress, d digest.Digest) error

	// Read opens a blob for reading.
	Read(c Compress, d digest.Digest) (io.ReadCloser, error)

	// Fsck checks pool consistency, reporting problems through the
	// logger set by SetLogger rather than returning an error, matching
	// storage.Backend.Fsck in the teacher.
	Fsck()
}
