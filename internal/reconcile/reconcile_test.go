package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lattice-labs/filewatch/internal/config"
	"github.com/lattice-labs/filewatch/internal/monitorlog"
	"github.com/lattice-labs/filewatch/internal/shadow"
	"github.com/lattice-labs/filewatch/internal/watchevent"
)

func waitForSubstring(t *testing.T, path, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(b), want) {
			return string(b)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in %s", want, path)
	return ""
}

func TestAppendTruncateScenarios(t *testing.T) {
	dir := t.TempDir()
	targetPath := filepath.Join(dir, "target")
	shadowPath := filepath.Join(dir, "shadow")
	logPath := filepath.Join(dir, "log")
	notifyOutPath := filepath.Join(dir, "notify.out")

	if err := os.WriteFile(targetPath, nil, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	source, err := watchevent.Open(targetPath)
	if err != nil {
		t.Fatalf("watchevent.Open failed: %v", err)
	}
	defer source.Close()

	store, err := shadow.Open(shadowPath)
	if err != nil {
		t.Fatalf("shadow.Open failed: %v", err)
	}
	defer store.Close()

	logw, err := monitorlog.Open(logPath)
	if err != nil {
		t.Fatalf("monitorlog.Open failed: %v", err)
	}

	cfg := &config.Env{
		SettleDelay:       30 * time.Millisecond,
		TransferChunkSize: 1024,
		DiffChunkSize:     4096,
	}
	notifyCmd := fmt.Sprintf("cat > %s", notifyOutPath)

	engine := New(source, store, logw, cfg, targetPath, notifyCmd, "")

	runDone := make(chan int, 1)
	go func() {
		code, _ := engine.Run()
		runDone <- code
	}()

	waitForSubstring(t, logPath, "STARTED", 2*time.Second)

	f, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.WriteString("hello\n"); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	f.Close()

	text := waitForSubstring(t, logPath, "ADDED >>>>>", 2*time.Second)
	if !strings.Contains(text, "hello\n") {
		t.Errorf("log missing appended bytes: %q", text)
	}

	if err := os.Truncate(targetPath, 0); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	text = waitForSubstring(t, logPath, "REMOVED >>>>>", 2*time.Second)
	if !strings.Contains(text, "hello\n") {
		t.Errorf("log missing removed bytes: %q", text)
	}

	notifyContent := waitForSubstring(t, notifyOutPath, "hello", 2*time.Second)
	if notifyContent != "hello\n" {
		t.Errorf("notify child received %q, want %q", notifyContent, "hello\n")
	}

	if err := os.Remove(targetPath); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	select {
	case code := <-runDone:
		if code != 0 {
			t.Errorf("Run() exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Run() to return after deletion")
	}

	final, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(final), "DELETED => EXITING") {
		t.Errorf("log missing terminal DELETED line: %q", final)
	}
}

func TestIngestsExistingContentAtStartup(t *testing.T) {
	dir := t.TempDir()
	targetPath := filepath.Join(dir, "target")
	shadowPath := filepath.Join(dir, "shadow")
	logPath := filepath.Join(dir, "log")

	if err := os.WriteFile(targetPath, []byte("preexisting\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	source, err := watchevent.Open(targetPath)
	if err != nil {
		t.Fatalf("watchevent.Open failed: %v", err)
	}
	defer source.Close()

	store, err := shadow.Open(shadowPath)
	if err != nil {
		t.Fatalf("shadow.Open failed: %v", err)
	}
	defer store.Close()

	logw, err := monitorlog.Open(logPath)
	if err != nil {
		t.Fatalf("monitorlog.Open failed: %v", err)
	}

	cfg := &config.Env{
		SettleDelay:       30 * time.Millisecond,
		TransferChunkSize: 1024,
		DiffChunkSize:     4096,
	}

	engine := New(source, store, logw, cfg, targetPath, "", "")

	runDone := make(chan int, 1)
	go func() {
		code, _ := engine.Run()
		runDone <- code
	}()

	text := waitForSubstring(t, logPath, "ADDED >>>>>", 2*time.Second)
	if !strings.Contains(text, "preexisting\n") {
		t.Errorf("log missing startup-ingested bytes: %q", text)
	}
	if store.Size() != int64(len("preexisting\n")) {
		t.Errorf("shadow size = %d, want %d", store.Size(), len("preexisting\n"))
	}

	// A subsequent append must be read from the tail, not from offset 0
	// of the handle left over from startup ingestion.
	f, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.WriteString("more\n"); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	f.Close()

	text = waitForSubstring(t, logPath, "more\n", 2*time.Second)
	if strings.Count(text, "ADDED >>>>>") < 2 {
		t.Errorf("expected a second ADDED section for the later append: %q", text)
	}

	if err := os.Remove(targetPath); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	select {
	case code := <-runDone:
		if code != 0 {
			t.Errorf("Run() exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Run() to return after deletion")
	}
}

func TestTruncateThenAppendResyncsHandleOffset(t *testing.T) {
	dir := t.TempDir()
	targetPath := filepath.Join(dir, "target")
	shadowPath := filepath.Join(dir, "shadow")
	logPath := filepath.Join(dir, "log")

	if err := os.WriteFile(targetPath, nil, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	source, err := watchevent.Open(targetPath)
	if err != nil {
		t.Fatalf("watchevent.Open failed: %v", err)
	}
	defer source.Close()

	store, err := shadow.Open(shadowPath)
	if err != nil {
		t.Fatalf("shadow.Open failed: %v", err)
	}
	defer store.Close()

	logw, err := monitorlog.Open(logPath)
	if err != nil {
		t.Fatalf("monitorlog.Open failed: %v", err)
	}

	cfg := &config.Env{
		SettleDelay:       30 * time.Millisecond,
		TransferChunkSize: 1024,
		DiffChunkSize:     4096,
	}

	engine := New(source, store, logw, cfg, targetPath, "", "")

	runDone := make(chan int, 1)
	go func() {
		code, _ := engine.Run()
		runDone <- code
	}()

	waitForSubstring(t, logPath, "STARTED", 2*time.Second)

	f, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.WriteString("hello\n"); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	f.Close()
	waitForSubstring(t, logPath, "ADDED >>>>>", 2*time.Second)

	if err := os.Truncate(targetPath, 0); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	waitForSubstring(t, logPath, "REMOVED >>>>>", 2*time.Second)

	f, err = os.OpenFile(targetPath, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.WriteString("hi"); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	f.Close()

	text := waitForSubstring(t, logPath, "hi", 2*time.Second)
	if strings.Count(text, "ADDED >>>>>") < 2 {
		t.Errorf("expected a second ADDED section after the truncate: %q", text)
	}
	if store.Size() != 2 {
		t.Errorf("shadow size after post-truncate append = %d, want 2", store.Size())
	}

	if err := os.Remove(targetPath); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	select {
	case code := <-runDone:
		if code != 0 {
			t.Errorf("Run() exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Run() to return after deletion")
	}
}

func TestDiffCandidateProducesDiffSection(t *testing.T) {
	dir := t.TempDir()
	targetPath := filepath.Join(dir, "target")
	shadowPath := filepath.Join(dir, "shadow")
	logPath := filepath.Join(dir, "log")
	notifyOutPath := filepath.Join(dir, "notify.out")

	if err := os.WriteFile(targetPath, nil, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	source, err := watchevent.Open(targetPath)
	if err != nil {
		t.Fatalf("watchevent.Open failed: %v", err)
	}
	defer source.Close()

	store, err := shadow.Open(shadowPath)
	if err != nil {
		t.Fatalf("shadow.Open failed: %v", err)
	}
	defer store.Close()

	logw, err := monitorlog.Open(logPath)
	if err != nil {
		t.Fatalf("monitorlog.Open failed: %v", err)
	}

	cfg := &config.Env{
		SettleDelay:       30 * time.Millisecond,
		TransferChunkSize: 1024,
		DiffChunkSize:     4096,
	}
	notifyCmd := fmt.Sprintf("cat > %s", notifyOutPath)
	// A synthetic diff command: always reports a fixed change, independent
	// of the actual byte contents, so the DIFF-section plumbing can be
	// exercised without depending on the system's diff binary.
	diffCmd := "echo changed"

	engine := New(source, store, logw, cfg, targetPath, notifyCmd, diffCmd)

	runDone := make(chan int, 1)
	go func() {
		code, _ := engine.Run()
		runDone <- code
	}()

	waitForSubstring(t, logPath, "STARTED", 2*time.Second)

	f, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.WriteString("a\nb\nc\n"); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	f.Close()

	waitForSubstring(t, logPath, "ADDED >>>>>", 2*time.Second)

	// Once ADDED is ingested, cursor == shadow size == target size, so the
	// settle-delay-then-restat step should find a consistent view and run
	// the diff, which always reports "changed".
	text := waitForSubstring(t, logPath, "DIFF >>>>>", 2*time.Second)
	if !strings.Contains(text, "changed") {
		t.Errorf("log missing diff output: %q", text)
	}

	notifyContent := waitForSubstring(t, notifyOutPath, "changed", 2*time.Second)
	if !strings.Contains(notifyContent, "changed") {
		t.Errorf("notify child received %q, want it to contain %q", notifyContent, "changed")
	}

	if err := os.Remove(targetPath); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Run() to return")
	}
}
