// engine/path.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

package engine

import "strings"

// joinPath and splitPath operate on the slash-separated relative paths
// ac.Store keys its containers by -- a small vocabulary of their own
// since path/filepath would clean an empty root into "." ("" is the
// backup root here, not ".").

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func splitPath(path string) (dir, name string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ""
	}
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}
