// pool/mirror.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package pool

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/net/context"

	"github.com/bpc/poolengine/digest"
)

// MirrorOptions configures the optional offsite mirror. It is disabled
// by default: the deletion/merge/migration accounting never depends on
// the mirror, so a zero MirrorOptions is a legitimate, inert
// configuration.
type MirrorOptions struct {
	GCS        GCSMirrorOptions
	Passphrase string
	// QueueDepth bounds how many blobs may be queued for upload before
	// Write starts blocking; 0 means an unbuffered (synchronous) queue.
	QueueDepth int
}

type mirrorJob struct {
	name string
	data []byte
}

// mirrored decorates a Backend, mirroring every newly-written blob to a
// GCS bucket in the background, encrypted at rest. This follows the same
// decorator shape as the teacher's storage/compressed.go and
// storage/encrypted.go (a Backend wrapping another Backend), but the
// wrapped operation is "also ship a copy elsewhere" rather than
// "transform before storing".
type mirrored struct {
	Backend
	remote *gcsMirror
	cipher *mirrorCipher

	jobs chan mirrorJob
	wg   sync.WaitGroup
}

// NewMirrored wraps backend so that every blob it stores is additionally,
// asynchronously, best-effort copied to a GCS bucket. Mirror failures are
// logged but never counted as engine errors: the mirror is additive, not
// part of the correctness contract.
func NewMirrored(backend Backend, opts MirrorOptions) (Backend, error) {
	remote, err := newGCSMirror(context.Background(), opts.GCS)
	if err != nil {
		return nil, err
	}
	salt, err := randomBytes(32)
	if err != nil {
		return nil, err
	}

	m := &mirrored{
		Backend: backend,
		remote:  remote,
		cipher:  newMirrorCipher(opts.Passphrase, salt),
		jobs:    make(chan mirrorJob, opts.QueueDepth),
	}
	m.wg.Add(1)
	go m.run()
	return m, nil
}

func (m *mirrored) run() {
	defer m.wg.Done()
	for job := range m.jobs {
		if err := m.remote.upload(job.name, job.data); err != nil {
			log.Warning("%s: mirror upload failed: %s", job.name, err)
		}
	}
}

// Close drains the upload queue, waiting for outstanding mirror uploads
// to finish or fail. It is not part of the Backend interface: callers
// that enable mirroring reach it by asserting the Backend NewMirrored
// returned to an interface with a Close method when they want to wait
// for it to drain (e.g. at the end of a CLI run).
func (m *mirrored) Close() {
	close(m.jobs)
	m.wg.Wait()
}

func (m *mirrored) Write(c Compress, r io.Reader) (WriteResult, error) {
	data, err := readAll(r)
	if err != nil {
		return WriteResult{}, err
	}

	res, err := m.Backend.Write(c, bytes.NewReader(data))
	if err != nil || res.AlreadyExisted {
		return res, err
	}

	enc, err := m.cipher.encrypt(data)
	if err != nil {
		log.Warning("%s: failed to encrypt blob for mirror: %s", res.Digest, err)
		return res, nil
	}

	name := mirrorObjectName(c, res.Digest)
	select {
	case m.jobs <- mirrorJob{name: name, data: enc}:
	default:
		log.Warning("%s: mirror queue full, uploading inline", name)
		if uerr := m.remote.upload(name, enc); uerr != nil {
			log.Warning("%s: mirror upload failed: %s", name, uerr)
		}
	}
	return res, nil
}

func mirrorObjectName(c Compress, d digest.Digest) string {
	return c.String() + "/" + d.String()
}
