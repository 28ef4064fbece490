package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("FILEWATCH_SETTLE_DELAY")
	os.Unsetenv("FILEWATCH_TRANSFER_CHUNK_SIZE")
	os.Unsetenv("FILEWATCH_DIFF_CHUNK_SIZE")

	env, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if env.SettleDelay != 100*time.Millisecond {
		t.Errorf("SettleDelay = %v, want 100ms", env.SettleDelay)
	}
	if env.TransferChunkSize != 1024 {
		t.Errorf("TransferChunkSize = %d, want 1024", env.TransferChunkSize)
	}
	if env.DiffChunkSize != 4096 {
		t.Errorf("DiffChunkSize = %d, want 4096", env.DiffChunkSize)
	}
}

func TestLoadOverride(t *testing.T) {
	os.Setenv("FILEWATCH_SETTLE_DELAY", "250ms")
	defer os.Unsetenv("FILEWATCH_SETTLE_DELAY")

	env, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if env.SettleDelay != 250*time.Millisecond {
		t.Errorf("SettleDelay = %v, want 250ms", env.SettleDelay)
	}
}
