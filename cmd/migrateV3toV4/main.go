// cmd/migrateV3toV4/main.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// migrateV3toV4 converts one host's backups (or every host's) from the
// legacy layout into this module's V4 layout.
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docopt/docopt-go"

	"github.com/bpc/poolengine/backupindex"
	"github.com/bpc/poolengine/config"
	"github.com/bpc/poolengine/mig"
	"github.com/bpc/poolengine/pool"
	"github.com/bpc/poolengine/util"
)

const usage = `migrateV3toV4

Usage:
  migrateV3toV4 -a [-m] [-p] [-v]
  migrateV3toV4 -h HOST [-n NUM] [-m] [-p] [-v]

Options:
  -a          Migrate every host.
  -h HOST     Migrate one host.
  -n NUM      Migrate one backup of that host (default: all its V3 backups).
  -m          Dry run: announce what would migrate, do nothing.
  -p          Suppress progress markers.
  -v          Raise the log level.
  --help      Show this screen.
`

type opts struct {
	All     bool   `docopt:"-a"`
	Host    string `docopt:"-h"`
	Num     string `docopt:"-n"`
	DryRun  bool   `docopt:"-m"`
	NoProg  bool   `docopt:"-p"`
	Verbose bool   `docopt:"-v"`
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

	cfg, err := config.Load(os.Getenv("BPC_CONFDIR"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := util.NewLogger(o2.Verbose, false)
	pool.SetLogger(log)

	backend, err := pool.NewDisk(cfg.TopDir, pool.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.Mirror.Enabled {
		if cfg.Mirror.BandwidthLimitBps > 0 {
			pool.InitMirrorBandwidthLimit(cfg.Mirror.BandwidthLimitBps)
		}
		mirrored, err := pool.NewMirrored(backend, pool.MirrorOptions{
			GCS: pool.GCSMirrorOptions{
				BucketName: cfg.Mirror.BucketName,
				ProjectID:  cfg.Mirror.ProjectID,
				Location:   cfg.Mirror.Location,
			},
			Passphrase: cfg.Mirror.Passphrase,
			QueueDepth: cfg.Mirror.QueueDepth,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		backend = mirrored
		if closer, ok := backend.(interface{ Close() }); ok {
			defer closer.Close()
		}
	}
	legacy := mig.DiskLegacyPool{TopDir: cfg.TopDir}

	fmt.Printf("__bpc_pidStart__ %d\n", os.Getpid())

	hosts, err := targetHosts(cfg.TopDir, o2)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Printf("__bpc_pidEnd__ %d\n", os.Getpid())
		return 1
	}

	errs := 0
	for _, host := range hosts {
		nums, err := targetBackups(cfg.TopDir, host, o2)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			errs++
			continue
		}
		for _, num := range nums {
			if o2.DryRun {
				fmt.Printf("would migrate %s/%d\n", host, num)
				continue
			}
			if !o2.NoProg {
				fmt.Printf("__bpc_progress_state__ migrating %s/%d\n", host, num)
			}
			state, err := mig.Migrate(cfg.TopDir, host, num, cfg, backend, legacy, log)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s/%d: %v\n", host, num, err)
				errs++
				continue
			}
			if !o2.NoProg {
				fmt.Printf("__bpc_progress_fileCnt__ %d\n", state.FileCnt)
			}
			errs += state.Errors()
		}
	}

	fmt.Printf("__bpc_pidEnd__ %d\n", os.Getpid())
	if errs > 0 {
		return 1
	}
	return 0
}

func targetHosts(topDir string, o opts) ([]string, error) {
	if !o.All {
		return []string{o.Host}, nil
	}
	pcDir := filepath.Join(topDir, "pc")
	entries, err := ioutil.ReadDir(pcDir)
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, e := range entries {
		if e.IsDir() {
			hosts = append(hosts, e.Name())
		}
	}
	return hosts, nil
}

func targetBackups(topDir, host string, o opts) ([]int, error) {
	if o.Num != "" {
		n, err := strconv.Atoi(o.Num)
		if err != nil {
			return nil, fmt.Errorf("-n: %q is not a backup number", o.Num)
		}
		return []int{n}, nil
	}

	hostDir := filepath.Join(topDir, "pc", host)
	list, err := backupindex.Load(hostDir)
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, b := range list.Backups() {
		if b.Version == backupindex.V3 {
			nums = append(nums, b.Num)
		}
	}
	return nums, nil
}
