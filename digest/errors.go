// digest/errors.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package digest

import "errors"

// ErrBadLength is returned by Parse when the decoded hex string isn't
// exactly Size bytes.
var ErrBadLength = errors.New("digest: wrong length after hex decode")
