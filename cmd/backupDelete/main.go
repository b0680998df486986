// cmd/backupDelete/main.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// backupDelete removes one backup (or a share/path within it) from a
// host's pool, merging it into its predecessor first when the backup
// index says that applies.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docopt/docopt-go"

	"github.com/bpc/poolengine/config"
	"github.com/bpc/poolengine/engine"
	"github.com/bpc/poolengine/pool"
	"github.com/bpc/poolengine/util"
)

const usage = `backupDelete

Usage:
  backupDelete -h HOST -n NUM [-f] [-l] [-L] [-m] [-p] [-r] [-s SHARE [PATH...]]

Options:
  -h HOST         Host to operate on.
  -n NUM          Backup number to delete.
  -f              Override the keep flag.
  -l              Retain Xfer/Smb transfer logs.
  -L              Tee output to the per-host log.
  -m              Skip the run mutex.
  -p              Suppress progress markers.
  -r              Force a final refcount reconciliation.
  -s SHARE        Scope the run to one share.
  --help          Show this screen.
`

type opts struct {
	Host    string `docopt:"-h"`
	Num     string `docopt:"-n"`
	Force   bool   `docopt:"-f"`
	Logs    bool   `docopt:"-l"`
	Tee     bool   `docopt:"-L"`
	NoMutex bool   `docopt:"-m"`
	NoProg  bool   `docopt:"-p"`
	Fsck    bool   `docopt:"-r"`
	Share   string `docopt:"-s"`
	Path    []string
}

func main() {
	os.Exit(run())
}

func run() int {
	parser := &docopt.Parser{OptionsFirst: false}
	o, err := parser.ParseArgs(usage, os.Args[1:], "0.0")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var o2 opts
	if err := o.Bind(&o2); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	num, err := strconv.Atoi(o2.Num)
	if err != nil {
		fmt.Fprintf(os.Stderr, "-n: %q is not a backup number\n", o2.Num)
		return 1
	}

	cfg, err := config.Load(os.Getenv("BPC_CONFDIR"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.RefCntFsck {
		o2.Fsck = true
	}

	log := util.NewLogger(o2.Tee, false)

	fmt.Printf("__bpc_pidStart__ %d\n", os.Getpid())
	if !o2.NoProg {
		fmt.Println("__bpc_progress_state__ starting")
	}

	pool.SetLogger(log)

	result, err := engine.Run(cfg.TopDir, o2.Host, num, engine.Options{
		Share:      o2.Share,
		Paths:      o2.Path,
		Force:      o2.Force,
		KeepLogs:   o2.Logs,
		ForceFlush: o2.Fsck,
	}, log)
	if err != nil {
		log.Error("%v", err)
	}

	if !o2.NoProg {
		fmt.Printf("__bpc_progress_fileCnt__ %d\n", result.FileCnt)
		fmt.Println("__bpc_progress_state__ done")
	}
	fmt.Printf("__bpc_pidEnd__ %d\n", os.Getpid())

	if result.Errors > 0 || (err != nil) {
		return 1
	}
	return 0
}
