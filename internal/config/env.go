// Package config loads the monitor's tunables from the environment.
//
// These are knobs on top of the five positional CLI arguments (monitor
// path, storage path, log path, notify command, diff command) — they do
// not replace them.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const namespace = "FILEWATCH"

// Env holds the tunables read from FILEWATCH_* environment variables.
type Env struct {
	// SettleDelay is how long the loop waits after a write-candidate event
	// before re-stat'ing target and shadow to decide whether to diff —
	// the "settle delay" that lets atomic-replace sequences (write then
	// rename) finish before classification.
	SettleDelay time.Duration `envconfig:"SETTLE_DELAY" default:"100ms"`

	// TransferChunkSize bounds each read from the target during an ADDED
	// transfer or a shadow reload, and each write of removed bytes to the
	// log and the notify child during a REMOVED transfer.
	TransferChunkSize int `envconfig:"TRANSFER_CHUNK_SIZE" default:"1024"`

	// DiffChunkSize bounds each read from the diff child's stdout.
	DiffChunkSize int `envconfig:"DIFF_CHUNK_SIZE" default:"4096"`
}

// Load reads Env from the process environment, applying defaults for
// anything unset.
func Load() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}
