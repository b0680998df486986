// pool/parity.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package pool

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/bpc/poolengine/util"
)

// parityHashSize is the number of bytes in the hash values used to
// checksum a blob's Reed-Solomon shards.
const parityHashSize = 64

type parityHash [parityHashSize]byte

func hashBytes(b []byte) parityHash {
	var h parityHash
	sha3.ShakeSum256(h[:], b)
	return h
}

// parityFile is the on-disk (gob-encoded) sidecar written next to a pool
// blob under Protect: enough Reed-Solomon parity data and per-chunk
// hashes to detect, and optionally repair, bit rot in the blob it
// protects.
type parityFile struct {
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]parityHash // data shard hashes, then parity shard hashes.
	ParityShards               [][]byte
}

// writeParitySidecar encodes path's contents with Reed-Solomon parity
// and writes the result to rsPath.
func writeParitySidecar(path, rsPath string, nDataShards, nParityShards int, hashRate int64) error {
	pf := parityFile{
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	dataShards, size, err := readAndShardFile(path, nDataShards)
	if err != nil {
		return err
	}
	pf.FileSize = size

	for i := 0; i < nParityShards; i++ {
		pf.ParityShards = append(pf.ParityShards, make([]byte, len(dataShards[0])))
	}

	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}
	allShards := append(dataShards, pf.ParityShards...)
	if err := enc.Encode(allShards); err != nil {
		return err
	}
	if ok, err := enc.Verify(allShards); !ok || err != nil {
		return errors.New("pool: Reed-Solomon parity failed self-verification")
	}

	for _, s := range dataShards {
		pf.Hashes = append(pf.Hashes, hashShards(shardBytes(s, hashRate)))
	}
	for _, s := range pf.ParityShards {
		pf.Hashes = append(pf.Hashes, hashShards(shardBytes(s, hashRate)))
	}

	fout, err := os.Create(rsPath)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(fout).Encode(pf); err != nil {
		fout.Close()
		return err
	}
	return fout.Close()
}

func readAndShardFile(path string, nshards int) (shards [][]byte, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	size = fi.Size()

	shardSize := (fi.Size() + int64(nshards) - 1) / int64(nshards)
	buf := make([]byte, int64(nshards)*shardSize)
	if _, err = io.ReadFull(f, buf[:fi.Size()]); err != nil {
		return
	}
	buf = buf[:cap(buf)]
	shards = shardBytes(buf, shardSize)
	return
}

func shardBytes(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hashShards(b [][]byte) (hashes []parityHash) {
	for _, s := range b {
		hashes = append(hashes, hashBytes(s))
	}
	return
}

// checkParitySidecar verifies path's contents against the parity sidecar
// at rsPath, logging any chunk hash mismatches it finds.
func checkParitySidecar(path, rsPath string, log *util.Logger) error {
	return checkOrRestoreParity(path, rsPath, log, false)
}

func checkOrRestoreParity(path, rsPath string, log *util.Logger, restore bool) error {
	pf, err := readParitySidecar(rsPath)
	if err != nil {
		return err
	}

	dataShards, _, err := readAndShardFile(path, pf.NDataShards)
	if err != nil {
		return err
	}

	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shardBytes(s, pf.HashRate))
	}
	for _, s := range pf.ParityShards {
		allShards = append(allShards, shardBytes(s, pf.HashRate))
	}

	mismatches := 0
	nHashChunks := len(allShards[0])
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if hashBytes(allShards[s][hc]) != pf.Hashes[s][hc] {
				if log != nil {
					which := "data"
					idx := s
					if s >= len(dataShards) {
						which = "parity"
						idx = s - len(dataShards)
					}
					log.Error("%s: %s shard %d chunk %d hash mismatch", path, which, idx, hc)
				}
				mismatches++
				allShards[s][hc] = nil
			}
		}
	}

	if !restore || mismatches == 0 {
		return nil
	}

	enc, err := reedsolomon.New(pf.NDataShards, pf.NParityShards)
	if err != nil {
		return err
	}
	for hc := 0; hc < nHashChunks; hc++ {
		missing := 0
		var recon [][]byte
		for _, s := range allShards {
			recon = append(recon, s[hc])
			if s[hc] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err := enc.Reconstruct(recon); err != nil {
				return err
			}
		}
		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*pf.HashRate:], recon[s])
		}
	}

	f, err := os.Create(path + ".recovered")
	if err != nil {
		return err
	}
	w := &limitedWriter{w: f, n: pf.FileSize}
	for _, s := range dataShards {
		if _, err := w.Write(s); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

type limitedWriter struct {
	w io.Writer
	n int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.n {
		data = data[:w.n]
	}
	n, err := w.w.Write(data)
	w.n -= int64(n)
	return n, err
}

func readParitySidecar(rsPath string) (parityFile, error) {
	var pf parityFile
	f, err := os.Open(rsPath)
	if err != nil {
		return pf, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&pf); err != nil {
		return pf, err
	}
	return pf, nil
}
