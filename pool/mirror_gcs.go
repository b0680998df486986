// pool/mirror_gcs.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package pool

import (
	"bytes"
	"hash/crc32"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/net/context"
)

// gcsMirror uploads pool blobs to a GCS bucket, adapted from the
// teacher's storage/gcs.go upload path: create-bucket-if-missing,
// buffer-then-upload-to-a-temp-object, verify the CRC32C GCS computed
// against a local one, then promote the temp object. Unlike the
// teacher's version this isn't wrapped in the pack/index multiplexing
// layer (packFileBackend) -- the mirror uploads one object per blob,
// since it's an offsite copy, not a primary store under space pressure.
type gcsMirror struct {
	ctx    context.Context
	client *gcs.Client
	bucket *gcs.BucketHandle
}

// GCSMirrorOptions configures the remote mirror.
type GCSMirrorOptions struct {
	BucketName string
	ProjectID  string
	// Location defaults to "us-central1" if empty.
	Location string
}

func newGCSMirror(ctx context.Context, opts GCSMirrorOptions) (*gcsMirror, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}

	g := &gcsMirror{ctx: ctx, client: client, bucket: client.Bucket(opts.BucketName)}

	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := opts.Location
		if loc == "" {
			loc = "us-central1"
		}
		if err := g.bucket.Create(ctx, opts.ProjectID, &gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return g, nil
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// upload retries transient failures a few times, exactly like the
// teacher's retry() helper, then double-checks the object's CRC32C
// against what was actually sent before promoting the object into place.
func (g *gcsMirror) upload(name string, data []byte) error {
	const maxTries = 5
	var lastErr error
	for tries := 0; tries < maxTries; tries++ {
		if lastErr != nil {
			log.Warning("%s: retrying mirror upload after %s", name, lastErr)
			time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
		}

		tmpName := name + ".tmp"
		tmpObj := g.bucket.Object(tmpName)
		w := tmpObj.NewWriter(g.ctx)
		w.ChunkSize = 256 * 1024

		if _, err := io.Copy(w, NewLimitedUploadReader(bytes.NewReader(data))); err != nil {
			lastErr = err
			continue
		}
		if err := w.Close(); err != nil {
			lastErr = err
			continue
		}

		localCRC := crc32.Checksum(data, castagnoliTable)
		if localCRC != w.Attrs().CRC32C {
			tmpObj.Delete(g.ctx)
			lastErr = ErrDigestMismatch
			continue
		}

		obj := g.bucket.Object(name)
		copier := obj.CopierFrom(tmpObj)
		copier.ContentType = "application/octet-stream"
		if _, err := copier.Run(g.ctx); err != nil {
			lastErr = err
			continue
		}
		tmpObj.Delete(g.ctx)
		return nil
	}
	return lastErr
}
