// ac/record.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// Package ac implements the attribute-container store: per-directory
// serialized maps of filename to attribute record, plus the per-backup
// inode table that shared hard-link targets live in. Containers are
// content-addressed the same way pool blobs are -- a container's file
// name encodes the digest of its own serialized bytes -- so a rewrite
// is "write new name, emit refcount deltas for old/new digest, unlink
// old name", mirroring the pool's own write-once-content-addressed
// discipline one level up.
package ac

import (
	"github.com/bpc/poolengine/digest"
	"github.com/bpc/poolengine/pool"
)

// Type enumerates what kind of filesystem entry an attribute record
// describes.
type Type int

const (
	UNKNOWN Type = iota
	FILE
	DIR
	SYMLINK
	HARDLINK
	CHARDEV
	BLOCKDEV
	SOCKET
	FIFO
	DELETED
)

func (t Type) String() string {
	switch t {
	case FILE:
		return "FILE"
	case DIR:
		return "DIR"
	case SYMLINK:
		return "SYMLINK"
	case HARDLINK:
		return "HARDLINK"
	case CHARDEV:
		return "CHARDEV"
	case BLOCKDEV:
		return "BLOCKDEV"
	case SOCKET:
		return "SOCKET"
	case FIFO:
		return "FIFO"
	case DELETED:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Record is one filesystem entry's worth of accounting state, held
// either directly in a directory's container or, for hard-link group
// members, in the backup's inode table.
type Record struct {
	Name string
	Type Type

	Mode uint32
	UID  int
	GID  int
	Size int64
	// Mtime is a Unix timestamp; msgpack round-trips it as a plain
	// integer rather than pulling in a time.Time codec dependency.
	Mtime int64

	Digest   digest.Digest
	Compress pool.Compress

	// Inode indexes the backup's inode table when Nlinks > 0. A record
	// with Nlinks == 0 carries its own Digest directly and has no inode
	// indirection.
	Inode  uint64
	Nlinks int

	// NoAttrib marks a synthetic DIR entry manufactured because a
	// directory was seen on disk but had no entry in its parent's
	// container -- a skeleton the merge engine fills in once it learns
	// the real attributes from the side of the merge that has them.
	NoAttrib bool
}

// HasDigest reports whether r carries pool-eligible content directly
// (as opposed to via inode indirection, or not at all -- directories
// and DELETED markers carry no digest).
func (r Record) HasDigest() bool {
	return r.Nlinks == 0 && !r.Digest.Empty()
}
