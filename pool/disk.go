// pool/disk.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package pool

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/pkg/errors"

	"github.com/bpc/poolengine/digest"
	"github.com/bpc/poolengine/util"
	"github.com/bpc/poolengine/zio"
)

// ErrNotFound is returned by Read when no blob exists under the
// requested (compress, digest) pair.
var ErrNotFound = errors.New("pool: digest not found")

// ErrDigestMismatch is reported by Fsck (and may be returned by callers
// that re-verify a blob) when a stored blob's bytes don't hash to the
// digest its path claims.
var ErrDigestMismatch = errors.New("pool: stored blob does not match its digest")

const (
	poolDirName  = "pool"
	cpoolDirName = "cpool"
)

// disk is the on-disk Backend: one regular file per (compress, digest),
// laid out the way the teacher's disk backend lays out its backupDir --
// stat-and-mkdir the directories it needs up front (NewDisk in
// storage/disk.go) -- but with a single flat content-addressed tree per
// pool instead of the teacher's pack/index multiplexing, since a blob's
// on-disk path is derived directly from its digest here rather than
// living inside a shared pack file.
type disk struct {
	topDir string

	// Protect, when true, writes a Reed-Solomon parity sidecar
	// (".rs") for every blob -- adapted from the teacher's own
	// disk.Fsck, which ran the same check over every non-.rs file in
	// the backup directory.
	protect bool
}

// Options configures a disk-backed pool.
type Options struct {
	// Protect enables Reed-Solomon parity sidecars for written blobs,
	// checked by Fsck.
	Protect bool
}

// NewDisk returns a Backend rooted at topDir, creating topDir/pool and
// topDir/cpool if they don't already exist.
func NewDisk(topDir string, opts Options) (Backend, error) {
	for _, d := range []string{poolDirName, cpoolDirName} {
		if err := os.MkdirAll(filepath.Join(topDir, d), 0700); err != nil {
			return nil, errors.Wrapf(err, "%s: creating pool directory", d)
		}
	}
	return &disk{topDir: topDir, protect: opts.Protect}, nil
}

func (db *disk) dirName(c Compress) string {
	if c == Compressed {
		return cpoolDirName
	}
	return poolDirName
}

// Path implements the MD52Path collaborator contract (the legacy
// MD52Path_v3 layout is mig.DiskLegacyPool's): a two-level fan-out
// directory keyed by the first and the second pair of hex characters of
// the digest, then the full hex digest as the filename, giving 256
// directories per level and 65536 leaf directories per pool.
func (db *disk) Path(c Compress, d digest.Digest) string {
	hex := d.String()
	return filepath.Join(db.topDir, db.dirName(c), hex[0:2], hex[2:4], hex)
}

func (db *disk) Exists(c Compress, d digest.Digest) bool {
	_, err := os.Stat(db.Path(c, d))
	return err == nil
}

func (db *disk) Write(c Compress, r io.Reader) (WriteResult, error) {
	// ReportingReader periodically logs throughput for large blobs (a
	// full migration run or a big incremental can push gigabytes through
	// here); it's silent for anything that finishes before the first
	// 128MiB checkpoint.
	rr := &util.ReportingReader{R: r, Msg: "pool write"}
	data, err := ioutil.ReadAll(rr)
	if err != nil {
		return WriteResult{}, errors.Wrap(err, "reading blob to store")
	}

	// The digest addresses the plaintext, not what ends up on disk, so
	// the compressed and uncompressed pools can never disagree about a
	// blob's identity even though their bytes on disk differ.
	d := digest.V4Bytes(data)
	path := db.Path(c, d)

	if db.Exists(c, d) {
		return WriteResult{Digest: d, AlreadyExisted: true, Size: int64(len(data))}, nil
	}

	stored, err := zioEncode(c, data)
	if err != nil {
		return WriteResult{}, errors.Wrapf(err, "%s: compressing pool blob", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return WriteResult{}, errors.Wrapf(err, "%s: creating pool fan-out directory", path)
	}
	if err := renameio.WriteFile(path, stored, 0600); err != nil {
		return WriteResult{}, errors.Wrapf(err, "%s: writing pool blob", path)
	}

	if db.protect {
		if err := writeParitySidecar(path, path+".rs", 17, 3, 1<<20); err != nil {
			log.Error("%s: failed to write Reed-Solomon parity: %s", path, err)
		}
	}

	return WriteResult{Digest: d, AlreadyExisted: false, Size: int64(len(data))}, nil
}

func (db *disk) Link(c Compress, d digest.Digest, srcPath string) error {
	path := db.Path(c, d)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrapf(err, "%s: creating pool fan-out directory", path)
	}
	return os.Link(srcPath, path)
}

func (db *disk) Remove(c Compress, d digest.Digest) error {
	path := db.Path(c, d)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "%s: removing pool blob", path)
	}
	os.Remove(path + ".rs")
	return nil
}

func (db *disk) Read(c Compress, d digest.Digest) (io.ReadCloser, error) {
	b, err := ioutil.ReadFile(db.Path(c, d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return zioDecodeReader(c, b)
}

// zioEncode returns data as it should be written to disk for pool c:
// gzip-compressed via zio.Gzip for the compressed pool, verbatim for the
// uncompressed one.
func zioEncode(c Compress, data []byte) ([]byte, error) {
	if c != Compressed {
		return data, nil
	}
	var buf bytes.Buffer
	w := zio.Gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// zioDecode reverses zioEncode, reading stored bytes back into the
// plaintext a caller's digest was computed over.
func zioDecode(c Compress, stored []byte) ([]byte, error) {
	if c != Compressed {
		return stored, nil
	}
	r, err := zio.Gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ioutil.ReadAll(r)
}

func zioDecodeReader(c Compress, stored []byte) (io.ReadCloser, error) {
	data, err := zioDecode(c, stored)
	if err != nil {
		return nil, err
	}
	return ioutil.NopCloser(bytes.NewReader(data)), nil
}

// Fsck walks both pools, verifying that each blob's path-encoded digest
// matches the hash of its contents and, when Protect is enabled,
// checking the Reed-Solomon parity sidecar -- the same two checks the
// teacher's disk.Fsck performs over pack files and .rs sidecars.
func (db *disk) Fsck() {
	for _, c := range []Compress{Uncompressed, Compressed} {
		root := filepath.Join(db.topDir, db.dirName(c))
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				log.Error("%s: %s", path, err)
				return nil
			}
			if info.IsDir() || filepath.Ext(path) == ".rs" {
				return nil
			}

			rel, _ := filepath.Rel(root, path)
			d, perr := digest.Parse(filepath.Base(rel))
			if perr != nil {
				log.Error("%s: not a digest-named pool file", path)
				return nil
			}

			stored, rerr := ioutil.ReadFile(path)
			if rerr != nil {
				log.Error("%s: %s", path, rerr)
				return nil
			}
			data, derr := zioDecode(c, stored)
			if derr != nil {
				log.Error("%s: %s", path, derr)
				return nil
			}
			if digest.V4Bytes(data) != d {
				log.Error("%s: %s", path, ErrDigestMismatch)
			}

			if db.protect {
				if _, statErr := os.Stat(path + ".rs"); statErr == nil {
					if cerr := checkParitySidecar(path, path+".rs", log); cerr != nil {
						log.Error("%s: %s", path, cerr)
					}
				}
			}
			return nil
		})
	}
}
