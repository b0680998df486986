// pool/memory.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package pool

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/bpc/poolengine/digest"
)

type blobKey struct {
	c Compress
	d digest.Digest
}

// memory is an in-RAM Backend, adapted from the teacher's storage/memory.go,
// useful for tests of code built on top of pool.Backend that don't want the
// trouble of a scratch directory.
type memory struct {
	blobs map[blobKey][]byte
}

// NewMemory returns a Backend that keeps all blobs in RAM.
func NewMemory() Backend {
	return &memory{blobs: make(map[blobKey][]byte)}
}

func (m *memory) Write(c Compress, r io.Reader) (WriteResult, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return WriteResult{}, err
	}
	d := digest.V4Bytes(data)
	key := blobKey{c, d}
	if _, ok := m.blobs[key]; ok {
		return WriteResult{Digest: d, AlreadyExisted: true, Size: int64(len(data))}, nil
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	m.blobs[key] = dup
	return WriteResult{Digest: d, AlreadyExisted: false, Size: int64(len(data))}, nil
}

func (m *memory) Exists(c Compress, d digest.Digest) bool {
	_, ok := m.blobs[blobKey{c, d}]
	return ok
}

func (m *memory) Path(c Compress, d digest.Digest) string {
	return fmt.Sprintf("memory://%s/%s", c, d)
}

func (m *memory) Link(c Compress, d digest.Digest, srcPath string) error {
	return fmt.Errorf("pool: memory backend does not support Link (%s)", srcPath)
}

func (m *memory) Remove(c Compress, d digest.Digest) error {
	delete(m.blobs, blobKey{c, d})
	return nil
}

func (m *memory) Read(c Compress, d digest.Digest) (io.ReadCloser, error) {
	b, ok := m.blobs[blobKey{c, d}]
	if !ok {
		return nil, ErrNotFound
	}
	return ioutil.NopCloser(bytes.NewReader(b)), nil
}

func (m *memory) Fsck() {
	for key, data := range m.blobs {
		if digest.V4Bytes(data) != key.d {
			log.Error("%s: %s", m.Path(key.c, key.d), ErrDigestMismatch)
		}
	}
}
