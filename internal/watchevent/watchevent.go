// Package watchevent is the monitor's Event Source: it turns filesystem
// notifications for a single target path into a stream of typed events.
package watchevent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// Kind identifies the variant of an Event.
type Kind int

const (
	// Written carries a signed Delta: positive for newly available tail
	// bytes, negative for a shrink, never zero (zero deltas are dropped
	// by Source before next() returns).
	Written Kind = iota
	// Deleted is terminal: the target's directory entry was removed.
	Deleted
	// Revoked is terminal. No Linux/inotify equivalent exists; this
	// backend never produces it, but the variant is kept so callers can
	// switch over the full set the contract defines.
	Revoked
	// Renamed is terminal: the target's name now refers to a different
	// file, or the original entry was renamed away (including the
	// atomic-replace pattern: write a temp file, rename it over target).
	Renamed
	// AttrChanged is informational: owner, group, mode, or mtime changed.
	AttrChanged
	// LinkChanged is informational: the link count changed.
	LinkChanged
)

// Event is a single notification from the source.
type Event struct {
	Kind    Kind
	Delta   int64
	UID     uint32
	GID     uint32
	Mode    uint32
	ModTime time.Time
	NLink   uint64
}

func (e Event) String() string {
	switch e.Kind {
	case Written:
		return fmt.Sprintf("Written(delta=%d)", e.Delta)
	case Deleted:
		return "Deleted"
	case Revoked:
		return "Revoked"
	case Renamed:
		return "Renamed"
	case AttrChanged:
		return fmt.Sprintf("AttrChanged(uid=%d gid=%d mode=%04o)", e.UID, e.GID, e.Mode)
	case LinkChanged:
		return fmt.Sprintf("LinkChanged(nlink=%d)", e.NLink)
	default:
		return "unknown"
	}
}

// Source watches one target file and delivers typed events via Next.
// It watches the target's parent directory rather than the target
// itself so that rename-over sequences (log rotators) are observable
// even though the original inode's directory entry disappears.
type Source struct {
	target     *os.File
	targetPath string
	watcher    *fsnotify.Watcher

	dev, ino uint64
	// lastSize is the target's size at Open, the baseline the first
	// Write event's delta is computed against. The reconciliation loop
	// is expected to ingest that much existing content at startup (its
	// handle read offset ends up here too), so the two stay in sync.
	lastSize int64
	lastNlink uint64
}

// Open opens target read-only, captures its (device, inode) pair, and
// starts watching its parent directory.
func Open(targetPath string) (*Source, error) {
	f, err := os.Open(targetPath)
	if err != nil {
		return nil, fmt.Errorf("open target %s: %w", targetPath, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("fstat target %s: %w", targetPath, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(targetPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		f.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}

	return &Source{
		target:     f,
		targetPath: targetPath,
		watcher:    watcher,
		dev:        uint64(st.Dev),
		ino:        st.Ino,
		lastSize:   st.Size,
		lastNlink:  uint64(st.Nlink),
	}, nil
}

// Target returns the open target handle, owned for the life of the
// process and read directly by the reconciliation loop.
func (s *Source) Target() *os.File {
	return s.target
}

// Stat reports the current (device, inode) pair captured at Open,
// for the reconciliation loop's diff-candidate re-stat comparison.
func (s *Source) Stat() (dev, ino uint64) {
	return s.dev, s.ino
}

// Next blocks until the next relevant event and returns it. A zero-delta
// write is swallowed internally and never returned (per the edge-case
// policy: zero deltas are ignored, not treated as a diff-candidate).
func (s *Source) Next() (Event, error) {
	name := filepath.Base(s.targetPath)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return Event{}, errors.New("watchevent: watcher closed")
			}
			if filepath.Base(ev.Name) != name {
				continue
			}

			switch {
			case ev.Op&fsnotify.Remove != 0:
				return Event{Kind: Deleted}, nil

			case ev.Op&fsnotify.Rename != 0:
				return Event{Kind: Renamed}, nil

			case ev.Op&fsnotify.Create != 0:
				var st unix.Stat_t
				if err := unix.Stat(s.targetPath, &st); err != nil {
					// The create raced with a removal; treat as deleted.
					return Event{Kind: Deleted}, nil
				}
				if uint64(st.Dev) != s.dev || st.Ino != s.ino {
					// A different file now occupies the name: the
					// atomic-replace pattern. Our handle still refers
					// to the old inode, so from the engine's point of
					// view the target it was tracking is gone.
					return Event{Kind: Renamed}, nil
				}

			case ev.Op&fsnotify.Write != 0:
				var st unix.Stat_t
				if err := unix.Fstat(int(s.target.Fd()), &st); err != nil {
					return Event{}, fmt.Errorf("fstat target: %w", err)
				}
				delta := st.Size - s.lastSize
				s.lastSize = st.Size
				if delta == 0 {
					continue
				}
				return Event{Kind: Written, Delta: delta}, nil

			case ev.Op&fsnotify.Chmod != 0:
				var st unix.Stat_t
				if err := unix.Fstat(int(s.target.Fd()), &st); err != nil {
					return Event{}, fmt.Errorf("fstat target: %w", err)
				}
				if uint64(st.Nlink) != s.lastNlink {
					s.lastNlink = uint64(st.Nlink)
					return Event{Kind: LinkChanged, NLink: uint64(st.Nlink)}, nil
				}
				return Event{
					Kind:    AttrChanged,
					UID:     st.Uid,
					GID:     st.Gid,
					Mode:    st.Mode & 07777,
					ModTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
				}, nil
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return Event{}, errors.New("watchevent: watcher closed")
			}
			return Event{}, fmt.Errorf("watchevent: %w", err)
		}
	}
}

// StatDevIno stats path and returns its (device, inode) pair, for
// comparison against the handle's originally captured pair during the
// diff-candidate re-stat step.
func StatDevIno(path string) (dev, ino uint64, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, err
	}
	return uint64(st.Dev), st.Ino, nil
}

// Close releases the watcher and the target handle.
func (s *Source) Close() error {
	werr := s.watcher.Close()
	ferr := s.target.Close()
	if werr != nil {
		return werr
	}
	return ferr
}
