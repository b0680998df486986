// pool/ratelimit.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// Adapted from the teacher's storage/ratelimit.go (itself taken from
// skicka's gdrive/readers.go, (c) 2015 Google, Inc., BSD licensed).
// Trimmed to upload-only: the mirror only ever pushes blobs outward, so
// there's no download-side budget to track here.
package pool

import (
	"io"
	"sync"
	"time"
)

var availableUploadBytes int
var uploadBandwidthLimited bool
var bandwidthTaskRunning bool

var bandwidthMutex sync.Mutex
var bandwidthCond = sync.NewCond(&bandwidthMutex)

// InitMirrorBandwidthLimit caps how fast NewLimitedUploadReader's
// readers may hand back bytes, in bytes per second. A limit of 0
// disables limiting entirely.
func InitMirrorBandwidthLimit(uploadBytesPerSecond int) {
	if log != nil {
		log.Check(!bandwidthTaskRunning)
	}

	uploadBandwidthLimited = uploadBytesPerSecond != 0

	bandwidthMutex.Lock()
	defer bandwidthMutex.Unlock()
	bandwidthTaskRunning = true

	ticker := time.NewTicker(125 * time.Millisecond)

	go func() {
		for range ticker.C {
			bandwidthMutex.Lock()
			availableUploadBytes += uploadBytesPerSecond * 94 / 100 / 8
			if availableUploadBytes > uploadBytesPerSecond {
				availableUploadBytes = uploadBytesPerSecond
			}
			bandwidthCond.Broadcast()
			bandwidthMutex.Unlock()
		}
	}()
}

type rateLimitedReader struct {
	r io.Reader
}

// NewLimitedUploadReader wraps r so that mirror uploads stay under the
// bandwidth limit set by InitMirrorBandwidthLimit, if any.
func NewLimitedUploadReader(r io.Reader) io.Reader {
	if uploadBandwidthLimited {
		return rateLimitedReader{r: r}
	}
	return r
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	bandwidthMutex.Lock()
	for availableUploadBytes <= 0 {
		bandwidthCond.Wait()
	}
	n := len(dst)
	if n > availableUploadBytes {
		n = availableUploadBytes
	}
	availableUploadBytes -= n
	bandwidthMutex.Unlock()

	read, err := lr.r.Read(dst[:n])
	if read < n {
		bandwidthMutex.Lock()
		availableUploadBytes += n - read
		bandwidthMutex.Unlock()
	}
	return read, err
}
