// Package reconcile is the Reconciliation Loop: it consumes events from
// the Event Source and drives the Shadow Store, Log Writer, and Child
// Pipe Harness, classifying each change as an append, a truncate, or an
// in-place edit. In-place edits are found by the diff step that follows
// an append; a write that leaves the target's size unchanged produces no
// event from the source and is not diffed.
package reconcile

import (
	"io"
	"time"

	"github.com/lattice-labs/filewatch/internal/config"
	"github.com/lattice-labs/filewatch/internal/harness"
	"github.com/lattice-labs/filewatch/internal/monitorlog"
	"github.com/lattice-labs/filewatch/internal/shadow"
	"github.com/lattice-labs/filewatch/internal/watchevent"
	"github.com/lattice-labs/filewatch/pkg/shellformat"
)

const envVarName = "MONITOR_MSG"

// Engine holds the single mutable view of the cursor and the shadow —
// process-global singletons have no home here. The notify and diff child
// sessions live only for the one handleTruncate or runDiff call that
// spawns them.
type Engine struct {
	source *watchevent.Source
	shadow *shadow.Store
	log    *monitorlog.Writer
	cfg    *config.Env

	targetPath string
	notifyCmd  string
	diffCmd    string

	cursor int64
}

// New builds an Engine. targetPath is needed separately from the
// source's open handle because the diff-candidate step re-stats by
// path as well as by handle.
func New(source *watchevent.Source, store *shadow.Store, log *monitorlog.Writer, cfg *config.Env, targetPath, notifyCmd, diffCmd string) *Engine {
	return &Engine{
		source:     source,
		shadow:     store,
		log:        log,
		cfg:        cfg,
		targetPath: targetPath,
		notifyCmd:  notifyCmd,
		diffCmd:    diffCmd,
	}
}

// Run consumes events until a terminal one arrives or the source fails,
// and returns the process exit code the caller should use: 0 for an
// orderly terminal event, 1 for an event-source failure.
func (e *Engine) Run() (int, error) {
	e.log.Line("STARTED notify=%q diff=%q", shellformat.Oneline(e.notifyCmd), shellformat.Oneline(e.diffCmd))
	e.log.Flush()

	if err := e.ingestExisting(); err != nil {
		return 1, err
	}

	for {
		ev, err := e.source.Next()
		if err != nil {
			return 1, err
		}

		switch ev.Kind {
		case watchevent.Deleted:
			e.log.Line("DELETED => EXITING")
			e.log.Flush()
			return 0, nil

		case watchevent.Revoked:
			e.log.Line("REVOKED => EXITING")
			e.log.Flush()
			return 0, nil

		case watchevent.Renamed:
			e.log.Line("RENAMED => EXITING")
			e.log.Flush()
			return 0, nil

		case watchevent.AttrChanged:
			e.log.Line("ATTRIBUTE CHANGE: %d:%d %04o %s", ev.UID, ev.GID, ev.Mode, ev.ModTime.Local().Format(time.ANSIC))
			e.log.Flush()

		case watchevent.LinkChanged:
			e.log.Line("LINK COUNT CHANGED: %d", ev.NLink)
			e.log.Flush()

		case watchevent.Written:
			if ev.Delta == 0 {
				continue
			}
			if ev.Delta > 0 {
				e.handleAppend(ev.Delta)
				e.maybeDiff()
			} else {
				e.handleTruncate(-ev.Delta)
			}
		}
	}
}

// ingestExisting mirrors bytes that already occupy the target at
// startup. The original relies on kqueue's level-triggered EVFILT_READ
// delivering the existing size as the very first event rather than
// seeking past it; here there is no such automatic first event, so the
// loop pulls the existing content in explicitly before watching for
// further changes. Without this, a target that is non-empty when the
// monitor attaches is never mirrored, and the handle offset (left at 0)
// and the cursor (left at 0) both disagree with the target's true size.
func (e *Engine) ingestExisting() error {
	info, err := e.source.Target().Stat()
	if err != nil {
		return err
	}
	if info.Size() > 0 {
		e.handleAppend(info.Size())
	}
	return nil
}

// handleAppend transfers exactly want bytes from the target into the
// shadow, logging each chunk as a raw blob inside an ADDED section. A
// short read ends the transfer for this event without retrying; the
// next event resynchronizes.
func (e *Engine) handleAppend(want int64) {
	e.log.SectionStart("ADDED")

	buf := make([]byte, e.cfg.TransferChunkSize)
	var transferred int64
	for transferred < want {
		n := int64(len(buf))
		if remaining := want - transferred; remaining < n {
			n = remaining
		}
		read, err := e.source.Target().Read(buf[:n])
		if read > 0 {
			_ = e.shadow.Append(buf[:read])
			_ = e.log.Raw(buf[:read])
			transferred += int64(read)
		}
		if err != nil || read == 0 {
			break
		}
	}

	e.log.SectionEnd("ADDED")
	e.log.Flush()
	e.cursor += transferred
}

// handleTruncate notifies (with MONITOR_MSG=truncated) and logs the
// last n bytes of the shadow as a REMOVED section, then trims them.
func (e *Engine) handleTruncate(n int64) {
	var notify *harness.Session
	harness.EnsureEnv(envVarName, "truncated", func() {
		notify = harness.Spawn(e.notifyCmd, harness.Write)
	})
	if notify != nil {
		notify.Ready()
	}

	e.log.SectionStart("REMOVED")
	if tail, err := e.shadow.ReadTail(n); err == nil {
		chunk := e.cfg.TransferChunkSize
		for off := 0; off < len(tail); off += chunk {
			end := off + chunk
			if end > len(tail) {
				end = len(tail)
			}
			_ = e.log.Raw(tail[off:end])
			if notify != nil {
				_, _ = notify.Stdin.Write(tail[off:end])
			}
		}
	}
	e.log.SectionEnd("REMOVED")
	e.log.Flush()

	if notify != nil {
		_ = notify.Close()
	}
	_ = e.shadow.Trim(n)
	e.cursor -= n

	// The target handle's offset is left at its pre-truncate position by
	// the read loop above (it never touches the target); reposition it
	// to the new cursor so the next handleAppend resumes reading from
	// the tail instead of past the file's new end.
	_, _ = e.source.Target().Seek(e.cursor, io.SeekStart)
}

// maybeDiff is the diff-candidate step: settle, re-stat, and only then
// attempt a diff. It returns silently whenever the engine doesn't hold
// a consistent view — the situation resolves on a later event.
func (e *Engine) maybeDiff() {
	time.Sleep(e.cfg.SettleDelay)

	handleDev, handleIno := e.source.Stat()
	pathDev, pathIno, err := watchevent.StatDevIno(e.targetPath)
	if err != nil || pathDev != handleDev || pathIno != handleIno {
		return
	}

	targetInfo, err := e.source.Target().Stat()
	if err != nil {
		return
	}
	targetSize := targetInfo.Size()
	if targetSize != e.shadow.Size() || e.cursor != targetSize {
		return
	}

	e.runDiff()
}

// runDiff spawns the diff child, streams its output into a DIFF
// section (and, from the first non-empty chunk, to a notify child with
// MONITOR_MSG=edited), and reloads the shadow from the target if any
// diff bytes were produced.
func (e *Engine) runDiff() {
	diff := harness.Spawn(e.diffCmd, harness.Read)
	if diff == nil {
		return
	}
	diff.Ready()

	var notify *harness.Session
	buf := make([]byte, e.cfg.DiffChunkSize)
	var total int64
	for {
		n, err := diff.Stdout.Read(buf)
		if n > 0 {
			// The assumption is that a diff fitting within its own output
			// buffer beats rapid appends to the target; if the target's
			// size has already diverged from the shadow, this diff is
			// already stale and the chunk just read is discarded.
			if info, serr := e.source.Target().Stat(); serr != nil || info.Size() != e.shadow.Size() {
				break
			}

			if total == 0 {
				e.log.SectionStart("DIFF")
				harness.EnsureEnv(envVarName, "edited", func() {
					notify = harness.Spawn(e.notifyCmd, harness.Write)
				})
				if notify != nil {
					notify.Ready()
				}
			}

			total += int64(n)
			_ = e.log.Raw(buf[:n])
			if notify != nil {
				_, _ = notify.Stdin.Write(buf[:n])
			}
		}
		if err != nil {
			break
		}
	}

	_ = diff.Close()
	if notify != nil {
		_ = notify.Close()
	}

	if total == 0 {
		return
	}

	e.log.SectionEnd("DIFF")
	e.log.Flush()

	if _, err := e.source.Target().Seek(0, io.SeekStart); err != nil {
		return
	}
	if err := e.shadow.Reload(e.source.Target(), e.cfg.TransferChunkSize); err != nil {
		return
	}
	e.cursor = e.shadow.Size()
}
