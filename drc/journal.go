// drc/journal.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// Package drc implements the delta refcount journal: a per-backup,
// per-digest accumulator of pool refcount changes, flushed to files
// under <backup>/refCnt/ for an external reconciler to sum against the
// pool's authoritative counts. The on-disk format borrows the teacher's
// own binary-record idiom (a magic number followed by a stream of
// records; here each is a 16-byte digest and a varint delta) from its
// now-retired pack index, since nothing else in this
// module writes a small binary accounting format.
package drc

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	"github.com/pkg/errors"

	"github.com/bpc/poolengine/digest"
	"github.com/bpc/poolengine/pool"
)

var magic = [4]byte{'D', 'R', 'C', '1'}

const refCntDirName = "refCnt"

type key struct {
	compress pool.Compress
	digest   digest.Digest
}

// Journal accumulates refcount deltas in memory for one backup and
// flushes them, grouped and summed by (compress, digest), to disk.
type Journal struct {
	dir    string
	deltas map[key]int32
}

// New returns a Journal that writes under backupDir/refCnt.
func New(backupDir string) *Journal {
	return &Journal{
		dir:    filepath.Join(backupDir, refCntDirName),
		deltas: map[key]int32{},
	}
}

// NewAt returns a Journal rooted directly at refCntDir (the refCnt/
// directory itself), for callers that already resolved the path.
func NewAt(refCntDir string) *Journal {
	return &Journal{dir: refCntDir, deltas: map[key]int32{}}
}

// Update accumulates delta for (compress, d). Empty digests are
// ignored -- they carry no pool contribution and must never be
// journaled, per the container/attribute record contract.
func (j *Journal) Update(compress pool.Compress, d digest.Digest, delta int32) {
	if d.Empty() || delta == 0 {
		return
	}
	j.deltas[key{compress, d}] += delta
}

// Deltas returns a snapshot of the not-yet-flushed accumulated deltas,
// for tests that want to inspect journal state without going through
// the file format.
func (j *Journal) Deltas() map[pool.Compress]map[digest.Digest]int32 {
	out := map[pool.Compress]map[digest.Digest]int32{}
	for k, v := range j.deltas {
		if v == 0 {
			continue
		}
		m, ok := out[k.compress]
		if !ok {
			m = map[digest.Digest]int32{}
			out[k.compress] = m
		}
		m[k.digest] = v
	}
	return out
}

func journalPath(dir string, c pool.Compress) string {
	return filepath.Join(dir, "refCnt."+c.String())
}

// Flush merges the in-memory deltas into whatever's already on disk for
// each compression mode touched, and rewrites those files atomically.
// Flushed deltas are cleared from memory; a zero-length Journal, or one
// whose deltas all summed to zero, writes nothing.
func (j *Journal) Flush() error {
	if len(j.deltas) == 0 {
		return nil
	}

	byCompress := map[pool.Compress]map[digest.Digest]int32{}
	for k, v := range j.deltas {
		if v == 0 {
			continue
		}
		m, ok := byCompress[k.compress]
		if !ok {
			m = map[digest.Digest]int32{}
			byCompress[k.compress] = m
		}
		m[k.digest] += v
	}

	for c, incoming := range byCompress {
		existing, err := loadFile(journalPath(j.dir, c))
		if err != nil {
			return err
		}
		for d, delta := range incoming {
			existing[d] += delta
		}
		if err := writeFile(j.dir, c, existing); err != nil {
			return err
		}
	}

	j.deltas = map[key]int32{}
	return nil
}

// Load reads back the on-disk journal for one compression mode, for
// fsck and tests. A missing file reads back as an empty map.
func Load(refCntDir string, c pool.Compress) (map[digest.Digest]int32, error) {
	return loadFile(journalPath(refCntDir, c))
}

func loadFile(path string) (map[digest.Digest]int32, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[digest.Digest]int32{}, nil
		}
		return nil, errors.Wrapf(err, "%s: reading refcount journal", path)
	}

	r := bytes.NewReader(data)
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return nil, errors.Wrapf(err, "%s: truncated refcount journal", path)
	}
	if m != magic {
		return nil, errors.Errorf("%s: bad refcount journal magic", path)
	}

	out := map[digest.Digest]int32{}
	for r.Len() > 0 {
		var d digest.Digest
		if _, err := io.ReadFull(r, d[:]); err != nil {
			return nil, errors.Wrapf(err, "%s: truncated digest record", path)
		}
		delta, err := binary.ReadVarint(r)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: truncated delta record", path)
		}
		out[d] = int32(delta)
	}
	return out, nil
}

func writeFile(dir string, c pool.Compress, deltas map[digest.Digest]int32) error {
	path := journalPath(dir, c)
	if len(deltas) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s: removing empty refcount journal", path)
		}
		return nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrapf(err, "%s: creating refCnt directory", dir)
	}

	digests := make([]digest.Digest, 0, len(deltas))
	for d := range deltas {
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i].String() < digests[j].String() })

	var buf bytes.Buffer
	buf.Write(magic[:])
	varintBuf := make([]byte, binary.MaxVarintLen64)
	for _, d := range digests {
		buf.Write(d[:])
		n := binary.PutVarint(varintBuf, int64(deltas[d]))
		buf.Write(varintBuf[:n])
	}

	return renameio.WriteFile(path, buf.Bytes(), 0600)
}
