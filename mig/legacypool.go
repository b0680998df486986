// mig/legacypool.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package mig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bpc/poolengine/digest"
)

// LegacyPool locates a V3 blob's on-disk path(s) so migration can link
// it into the V4 pool instead of rewriting its bytes. V3's pool
// occasionally chained several files under one digest-derived base name
// when two distinct blobs happened to share a path; Chain walks that
// chain in the order migration must probe it.
type LegacyPool interface {
	Path(d digest.Digest) string
	Chain(d digest.Digest) []string
}

// DiskLegacyPool is a LegacyPool backed by a V3-style topDir/pool tree.
type DiskLegacyPool struct {
	TopDir string
}

func (l DiskLegacyPool) dirName(d digest.Digest) string {
	s := d.String()
	return filepath.Join(s[:1], s[1:2])
}

// Path returns the base (unchained) legacy pool path for d.
func (l DiskLegacyPool) Path(d digest.Digest) string {
	return filepath.Join(l.TopDir, "pool", l.dirName(d), d.String())
}

// Chain returns the base path followed by every "_N" suffixed sibling
// that actually exists on disk, in probe order.
func (l DiskLegacyPool) Chain(d digest.Digest) []string {
	base := l.Path(d)
	chain := []string{base}
	for i := 0; ; i++ {
		p := fmt.Sprintf("%s_%d", base, i)
		if _, err := os.Stat(p); err != nil {
			break
		}
		chain = append(chain, p)
	}
	return chain
}
