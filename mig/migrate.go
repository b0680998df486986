// mig/migrate.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// Package mig implements the migration engine: converting a legacy
// (V3) backup, whose deduplication lived entirely in filesystem hard
// links into a shared pool, into this module's V4 layout of content-
// addressed digests, per-directory attribute containers and a per-
// backup inode table.
package mig

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/bpc/poolengine/ac"
	"github.com/bpc/poolengine/backupindex"
	"github.com/bpc/poolengine/config"
	"github.com/bpc/poolengine/digest"
	"github.com/bpc/poolengine/drc"
	"github.com/bpc/poolengine/engine"
	"github.com/bpc/poolengine/pool"
	"github.com/bpc/poolengine/sentinel"
	"github.com/bpc/poolengine/util"
	"github.com/bpc/poolengine/zio"
)

// inodeContent is what Inode2Digest memoizes per physical source inode:
// the V4 digest it addresses to, and its true (decompressed) content
// size, which for a compressed V3 backup differs from the on-disk size
// of the hard-linked pool file.
type inodeContent struct {
	Digest digest.Digest
	Size   int64
}

// Inode2Digest memoizes the V4 digest (and true content size) a
// physical source inode addresses to, so a file with several V3 hard
// links only gets hashed and reconciled against the pool once.
type Inode2Digest map[uint64]inodeContent

type inodeAllocator struct{ last uint64 }

func (a *inodeAllocator) Next() uint64 {
	a.last++
	return a.last
}

// Context carries everything one backup's migration needs, threaded
// through the recursive per-directory walk.
type Context struct {
	Src, Dest string
	SrcStore  *ac.Store
	DestStore *ac.Store
	Journal   *drc.Journal
	Compress  pool.Compress
	Pool      pool.Backend
	Legacy    LegacyPool
	// ZIO decompresses source reads for a compressed V3 backup, whose
	// files are hard links directly into the legacy compressed pool --
	// content addressing and Size need the true uncompressed bytes, not
	// what's on disk.
	ZIO    zio.ZIO
	Memo   Inode2Digest
	Inodes *inodeAllocator
	State  *engine.State
}

// Migrate converts backup backupNum of host under topDir from V3 to V4,
// writing the result to a sibling directory and committing it into
// place once the whole tree has been walked without a returned error.
// Entries skipped with a logged error (an unreadable legacy container, a
// record that could not be synthesized) do not stop the commit; they
// only keep needFsck.mig in place.
func Migrate(topDir, host string, backupNum int, cfg config.Config, backend pool.Backend, legacy LegacyPool, log *util.Logger) (*engine.State, error) {
	hostDir := filepath.Join(topDir, "pc", host)
	list, err := backupindex.Load(hostDir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: loading backup index", hostDir)
	}
	meta, ok := list.Find(backupNum)
	if !ok {
		return nil, errors.Errorf("%s: no backup number %d", hostDir, backupNum)
	}

	src := filepath.Join(hostDir, strconv.Itoa(backupNum))
	if sentinel.RefCntDirExists(src) {
		return nil, errors.Errorf("%s: already has a refCnt/ directory, treating migration as already done", src)
	}

	dest := src + ".v4"
	if err := sentinel.Create(dest, sentinel.NeedFsckMig); err != nil {
		return nil, err
	}
	if err := sentinel.Create(dest, sentinel.NoPoolCntOk); err != nil {
		return nil, err
	}

	destStore := ac.NewStore(dest, meta.Compress)
	journal := drc.New(dest)
	destStore.SetDeltaSink(journal)

	srcStore := ac.NewStore(src, meta.Compress)
	srcStore.LegacyReadOnly = true

	inodeLast := meta.InodeLast
	for _, b := range list.Backups() {
		if b.InodeLast > inodeLast {
			inodeLast = b.InodeLast
		}
	}

	state := &engine.State{Log: log}
	ctx := &Context{
		Src:       src,
		Dest:      dest,
		SrcStore:  srcStore,
		DestStore: destStore,
		Journal:   journal,
		Compress:  meta.Compress,
		Pool:      backend,
		Legacy:    legacy,
		ZIO:       zio.ForCompress(meta.Compress == pool.Compressed),
		Memo:      Inode2Digest{},
		Inodes:    &inodeAllocator{last: inodeLast},
		State:     state,
	}

	if err := migrateDir(ctx, ""); err != nil {
		return state, err
	}
	if err := destStore.Flush(cfg.RefCntFsck); err != nil {
		return state, err
	}
	if err := journal.Flush(); err != nil {
		return state, err
	}

	if err := commit(src, dest); err != nil {
		return state, err
	}

	// needFsck.mig only clears on a clean run when policy also isn't
	// demanding a mandatory fsck -- RefCntFsck forces that fsck on the
	// next boot regardless of how clean this run was.
	if state.Errors() == 0 && !cfg.RefCntFsck {
		if err := sentinel.Remove(src, sentinel.NeedFsckMig); err != nil {
			return state, err
		}
	}
	// NoPoolCntOk is left in place: it is only cleared once the external
	// refcount reconciler has ingested this run's journaled deltas into
	// the pool's authoritative counts, which is outside what one Migrate
	// call can observe.

	meta.Version = backupindex.V4
	meta.InodeLast = ctx.Inodes.last
	list.Set(meta)
	if err := list.Save(); err != nil {
		return state, err
	}
	return state, nil
}

// commit promotes dest into src's place: src is moved aside, dest takes
// its name, and the old copy is removed. Both renames are plain
// directory renames -- already atomic on a POSIX filesystem, which is
// the property this sequence actually needs; renameio's own
// write-then-fsync-then-rename dance is for replacing a single regular
// file in place and isn't what protects a directory move. A failure
// after the first rename is rolled back best-effort.
func commit(src, dest string) error {
	oldSrc := src + ".old"
	if err := os.Rename(src, oldSrc); err != nil {
		return errors.Wrapf(err, "%s: moving legacy backup aside", src)
	}
	if err := os.Rename(dest, src); err != nil {
		if rbErr := os.Rename(oldSrc, src); rbErr != nil {
			return errors.Wrapf(err, "%s: promoting migrated backup failed, and rollback also failed (%v)", dest, rbErr)
		}
		return errors.Wrapf(err, "%s: promoting migrated backup", dest)
	}
	if err := os.RemoveAll(oldSrc); err != nil {
		return errors.Wrapf(err, "%s: removing legacy backup copy", oldSrc)
	}
	return nil
}

func migrateDir(ctx *Context, relPath string) error {
	srcDir := filepath.Join(ctx.Src, relPath)
	entries, err := ioutil.ReadDir(srcDir)
	if err != nil {
		ctx.State.Log.Error("%s: reading legacy directory: %v", srcDir, err)
		return err
	}

	known, err := ctx.SrcStore.Entries(relPath)
	if err != nil {
		ctx.State.Log.Error("%s: reading legacy container: %v", relPath, err)
		known = map[string]ac.Record{}
	}

	for _, fi := range entries {
		name := fi.Name()
		if _, ok := known[name]; ok {
			continue
		}
		if !strings.HasPrefix(name, "f") {
			continue
		}
		rec, err := synthesizeRecord(filepath.Join(srcDir, name), fi)
		if err != nil {
			ctx.State.Log.Error("%s: synthesizing attribute record: %v", filepath.Join(relPath, name), err)
			continue
		}
		known[name] = rec
	}

	names := make([]string, 0, len(known))
	for n := range known {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		rec := known[name]
		full := joinPath(relPath, name)
		if rec.Type == ac.DIR {
			if err := os.MkdirAll(filepath.Join(ctx.Dest, full), 0700); err != nil {
				ctx.State.Log.Error("%s: creating destination directory: %v", full, err)
				return err
			}
			if err := migrateDir(ctx, full); err != nil {
				return err
			}
			if err := ctx.DestStore.Set(full, ac.Record{Name: name, Type: ac.DIR, Mode: rec.Mode, UID: rec.UID, GID: rec.GID, Mtime: rec.Mtime}); err != nil {
				return err
			}
			ctx.State.DirCnt++
			continue
		}

		newRec := rec
		if rec.Type == ac.FILE || rec.Type == ac.SYMLINK || rec.Type == ac.HARDLINK {
			d, sz, err := addressContent(ctx, filepath.Join(ctx.Src, full), rec)
			if err != nil {
				ctx.State.Log.Error("%s: content-addressing: %v", full, err)
				return err
			}
			newRec.Digest = d
			newRec.Compress = ctx.Compress
			newRec.Size = sz
		}
		newRec.Inode = ctx.Inodes.Next()
		newRec.Nlinks = 0
		if err := ctx.DestStore.Set(full, newRec); err != nil {
			return err
		}
		ctx.State.FileCnt++
	}
	return nil
}

// countingReader tallies bytes read through it, so a file's true
// content length can be measured while it's being streamed through a
// decompressing reader instead of trusted from its on-disk stat.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// addressContent computes (or reuses, via Inode2Digest) the V4 digest
// and true content size for a piece of content, reconciling the digest
// against the pool per the ordered steps: empty content needs no blob;
// a physical file already linked at its V4 pool path is done; otherwise
// the legacy pool chain is searched for a hard link to adopt; failing
// that the content is written through fresh. For a compressed backup,
// srcPath is a hard link straight into the legacy compressed pool, so
// every read here goes through ctx.ZIO to work with the true
// uncompressed bytes rather than what's actually on disk.
func addressContent(ctx *Context, srcPath string, rec ac.Record) (digest.Digest, int64, error) {
	fi, err := os.Lstat(srcPath)
	if err != nil {
		return digest.Digest{}, 0, err
	}
	st, _ := fi.Sys().(*syscall.Stat_t)
	var inode uint64
	if st != nil {
		inode = st.Ino
	}

	if c, ok := ctx.Memo[inode]; ok {
		return c.Digest, c.Size, nil
	}

	var v3, v4 digest.Digest
	var size int64

	if rec.Type == ac.SYMLINK {
		target, err := os.Readlink(srcPath)
		if err != nil {
			return digest.Digest{}, 0, err
		}
		if len(target) == 0 {
			ctx.Memo[inode] = inodeContent{}
			return digest.Digest{}, 0, nil
		}
		buf := []byte(target)
		v3 = digest.V3(buf, int64(len(buf)))
		v4 = digest.V4Bytes(buf)
		size = int64(len(buf))
	} else {
		f, err := os.Open(srcPath)
		if err != nil {
			return digest.Digest{}, 0, err
		}
		dr, err := ctx.ZIO.NewReader(f)
		if err != nil {
			f.Close()
			return digest.Digest{}, 0, err
		}

		buf := make([]byte, digest.LegacyBufSize)
		n, err := io.ReadFull(dr, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			dr.Close()
			f.Close()
			return digest.Digest{}, 0, err
		}
		buf = buf[:n]

		if n < digest.LegacyBufSize {
			// The whole (uncompressed) content fit in the buffered window.
			v3 = digest.V3(buf, int64(n))
			v4 = digest.V4Bytes(buf)
			size = int64(n)
			dr.Close()
			f.Close()
		} else {
			cr := &countingReader{r: dr}
			v4, err = digest.V4(io.MultiReader(bytes.NewReader(buf), cr))
			dr.Close()
			f.Close()
			if err != nil {
				return digest.Digest{}, 0, err
			}
			size = int64(n) + cr.n
			v3 = digest.V3(buf, size)
		}
	}

	if size == 0 {
		ctx.Memo[inode] = inodeContent{}
		return digest.Digest{}, 0, nil
	}

	final, err := ctx.reconcile(srcPath, inode, v3, v4)
	if err != nil {
		return digest.Digest{}, 0, err
	}
	ctx.Memo[inode] = inodeContent{Digest: final, Size: size}
	ctx.Journal.Update(ctx.Compress, final, 1)
	return final, size, nil
}

func (ctx *Context) reconcile(srcPath string, inode uint64, v3, v4 digest.Digest) (digest.Digest, error) {
	v4Path := ctx.Pool.Path(ctx.Compress, v4)
	if sameInode(v4Path, inode) {
		return v4, nil
	}

	if ctx.Legacy != nil {
		for _, p := range ctx.Legacy.Chain(v3) {
			if !sameInode(p, inode) {
				continue
			}
			if err := ctx.Pool.Link(ctx.Compress, v4, p); err != nil {
				if sameInode(v4Path, inode) {
					// Another migration run (or a previous, interrupted
					// attempt) already made this link; nothing failed.
					return v4, nil
				}
				return digest.Digest{}, err
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return digest.Digest{}, err
			}
			return v4, nil
		}
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return digest.Digest{}, err
	}
	defer f.Close()
	dr, err := ctx.ZIO.NewReader(f)
	if err != nil {
		return digest.Digest{}, err
	}
	defer dr.Close()
	result, err := ctx.Pool.Write(ctx.Compress, dr)
	if err != nil {
		return digest.Digest{}, err
	}
	return result.Digest, nil
}

func sameInode(path string, inode uint64) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	return ok && st.Ino == inode
}

// synthesizeRecord builds an attribute record for a physical directory
// entry that the legacy container has no entry for -- the common case,
// since a V3 container was frequently absent or stale.
func synthesizeRecord(path string, fi os.FileInfo) (ac.Record, error) {
	rec := ac.Record{
		Name:  fi.Name(),
		Mode:  uint32(fi.Mode().Perm()),
		Mtime: fi.ModTime().Unix(),
		Size:  fi.Size(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		rec.UID = int(st.Uid)
		rec.GID = int(st.Gid)
	}

	switch {
	case fi.IsDir():
		rec.Type = ac.DIR
	case fi.Mode()&os.ModeSymlink != 0:
		rec.Type = ac.SYMLINK
	case fi.Mode()&os.ModeSocket != 0:
		rec.Type = ac.SOCKET
	case fi.Mode()&os.ModeNamedPipe != 0:
		rec.Type = ac.FIFO
	case fi.Mode()&os.ModeDevice != 0:
		if fi.Mode()&os.ModeCharDevice != 0 {
			rec.Type = ac.CHARDEV
		} else {
			rec.Type = ac.BLOCKDEV
		}
	default:
		rec.Type = ac.FILE
	}
	return rec, nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
