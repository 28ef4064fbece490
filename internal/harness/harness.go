// Package harness spawns short-lived notify/diff child processes and
// rendezvouses with them through a stop-then-continue protocol: the
// child is held stopped until the parent has its side of the pipe
// ready, then resumed. This is the only way to guarantee the parent
// never races the child's own shell startup.
package harness

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"syscall"

	"github.com/lattice-labs/filewatch/pkg/shellformat"
)

// Direction is which standard descriptor of the child the parent's pipe
// end is connected to: a notify child reads its stdin, which the parent
// writes; a diff child's stdout is read by the parent.
type Direction int

const (
	// Write means the parent writes to the child's stdin.
	Write Direction = iota
	// Read means the parent reads from the child's stdout.
	Read
)

// Session is a live child process and the parent's end of its pipe.
// Exactly one of Stdin/Stdout is non-nil, matching Direction.
type Session struct {
	cmd       *exec.Cmd
	Stdin     io.WriteCloser
	Stdout    io.ReadCloser
	direction Direction
}

// Spawn starts command under /bin/sh -c, held stopped until Ready is
// called. It returns a nil Session, not an error, when command is empty
// or the spawn fails — per the degrade-silently error model, the caller
// skips the feature for this one event rather than treating it as fatal.
func Spawn(command string, dir Direction) *Session {
	if command == "" {
		return nil
	}

	if err := shellformat.Validate(command); err != nil {
		log.Printf("[filewatch] command failed to parse (attempting anyway): %s: %v", shellformat.Oneline(command), err)
	}

	// The child shell stops itself before it runs command, so command
	// cannot start until Ready resumes it; exec keeps the same pid, so the
	// targeted reap in Close still finds it.
	cmd := exec.Command("/bin/sh", "-c", `kill -STOP $$ && exec /bin/sh -c "$1"`, "sh", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var stdin io.WriteCloser
	var stdout io.ReadCloser
	var err error

	switch dir {
	case Write:
		stdin, err = cmd.StdinPipe()
	case Read:
		stdout, err = cmd.StdoutPipe()
	}
	if err != nil {
		log.Printf("[filewatch] failed to create pipe for %q: %v", shellformat.Oneline(command), err)
		return nil
	}

	if err := cmd.Start(); err != nil {
		log.Printf("[filewatch] failed to start %q: %v", shellformat.Oneline(command), err)
		return nil
	}

	// Wait for the child to stop itself before handing the parent's pipe
	// end back to the caller.
	pid := cmd.Process.Pid
	var ws syscall.WaitStatus
	for {
		_, err := syscall.Wait4(pid, &ws, syscall.WUNTRACED, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			log.Printf("[filewatch] wait4 for child pid %d failed: %v", pid, err)
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
			return nil
		}
		break
	}

	if !ws.Stopped() {
		// The child exited (or was signaled) instead of stopping itself.
		// Force-kill and reap to avoid a
		// zombie, matching the C source's open_common fallback.
		_ = syscall.Kill(pid, syscall.SIGKILL)
		if !ws.Exited() {
			_, _ = cmd.Process.Wait()
		}
		return nil
	}

	return &Session{cmd: cmd, Stdin: stdin, Stdout: stdout, direction: dir}
}

// Ready sends SIGCONT, unblocking the child so its shell exec proceeds.
// The caller must have already attached its side of the pipe.
func (s *Session) Ready() {
	if s == nil {
		return
	}
	_ = syscall.Kill(s.cmd.Process.Pid, syscall.SIGCONT)
}

// Close closes the parent's pipe end and performs a targeted, blocking
// reap of exactly this child — never a wildcard wait, since a notify
// and a diff harness can be alive at the same time.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var closeErr error
	switch s.direction {
	case Write:
		closeErr = s.Stdin.Close()
	case Read:
		closeErr = s.Stdout.Close()
	}
	if err := s.cmd.Wait(); err != nil {
		if closeErr == nil {
			closeErr = fmt.Errorf("wait for child pid %d: %w", s.cmd.Process.Pid, err)
		}
	}
	return closeErr
}

// EnsureEnv sets key=value in os.Environ for the duration of fn, then
// restores the previous value. The child's environment is captured at
// fork time by exec.Cmd (it inherits os.Environ() unless Cmd.Env is
// set), so the variable must be visible before Spawn is called, not
// after.
func EnsureEnv(key, value string, fn func()) {
	prev, had := os.LookupEnv(key)
	_ = os.Setenv(key, value)
	defer func() {
		if had {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	}()
	fn()
}
