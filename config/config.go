// config/config.go
// Copyright (c) 2026 poolengine authors.
// BSD licensed; see LICENSE for details.

// Package config loads the pool's single configuration map: the handful
// of settings the deletion, merge and migration engines need to find a
// host's backups and to know how the environment they run in is shaped.
// It is cached to disk the same way ac and backupindex cache their own
// state -- stat it, read it, unmarshal it -- rather than re-parsing a
// text file on every invocation.
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// Config is the settings map every command-line entry point in this
// module reads before doing anything else.
type Config struct {
	// TopDir is the root of the backup pool: TopDir/pc/<host>/<num> for
	// backups, TopDir/pool and TopDir/cpool for the two content-addressed
	// pools.
	TopDir string
	// BinDir holds the helper binaries invoked during a run (out of
	// scope for this module's own operations, but part of the layout
	// every command needs to resolve).
	BinDir string
	// LogDir is where run logs are written.
	LogDir string

	// ServerHost and ServerPort locate the long-running coordinator
	// process. They are carried in the config only: nothing in this
	// module dials them, and migrateV3toV4 runs no check for a live
	// server before migrating.
	ServerHost string
	ServerPort int

	// XferLogLevel controls how much a transfer's own log records.
	XferLogLevel int
	// RefCntFsck, when true, forces a full refcount consistency check
	// after every run rather than only when a needFsck.* sentinel says
	// one is owed.
	RefCntFsck bool

	// Mirror configures the optional offsite GCS copy migrateV3toV4 makes
	// of every blob it writes fresh into the pool. Disabled by default.
	Mirror MirrorConfig
}

// MirrorConfig configures pool.NewMirrored. Only migrateV3toV4 consults
// this -- it's the one command that can write fresh blobs into the pool
// (via the pool-writer fallback step of its reconciliation), so it's the
// only one with anything for a mirror to catch.
type MirrorConfig struct {
	Enabled bool

	BucketName string
	ProjectID  string
	Location   string

	// Passphrase derives the AES key blobs are encrypted under before
	// upload.
	Passphrase string
	// QueueDepth bounds the async upload queue; 0 makes it synchronous.
	QueueDepth int
	// BandwidthLimitBps caps mirror upload throughput; 0 is unlimited.
	BandwidthLimitBps int
}

const fileName = "config.msgpack"

// Default returns the built-in configuration a fresh pool starts from.
func Default() Config {
	return Config{
		TopDir:       "/var/lib/poolengine",
		BinDir:       "/usr/share/poolengine/bin",
		LogDir:       "/var/log/poolengine",
		ServerHost:   "localhost",
		ServerPort:   4234,
		XferLogLevel: 1,
	}
}

// Load reads the cached config file under dir, falling back to Default
// if none exists yet.
func Load(dir string) (Config, error) {
	path := filepath.Join(dir, fileName)
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, errors.Wrapf(err, "%s: reading config", path)
	}
	cfg := Default()
	if err := msgpack.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "%s: decoding config", path)
	}
	return cfg, nil
}

// Save writes c to dir/config.msgpack atomically.
func (c Config) Save(dir string) error {
	data, err := msgpack.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrapf(err, "%s: creating config directory", dir)
	}
	path := filepath.Join(dir, fileName)
	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return errors.Wrapf(err, "%s: writing config", path)
	}
	return nil
}
