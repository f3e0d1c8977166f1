package pipeline

import (
	"os"
	"path/filepath"

	files "github.com/ipfs/go-ipfs-files"
	"github.com/rs/zerolog/log"
)

// ScannedEntry is one filesystem node the scanner emits, paired with its
// path relative to the scan root (spec.md 4.F.1 "Emits batches of
// file/dir/symlink entries to the packager").
type ScannedEntry struct {
	RelPath string
	Node    files.Node
}

// SkipFunc is the scan-control token spec.md 4.F.1 describes ("Honours a
// scan-control token so certain paths can be skipped"): returning true
// for a relative path excludes it and, for directories, its subtree.
type SkipFunc func(relPath string) bool

// Scanner recursively walks a root path and emits entries to a bounded
// channel, closing it once the walk (or an early Stop) completes (spec.md
// 4.F "all stages communicate via bounded queues; upstream completion
// flows as an end-of-input signal downstream").
type Scanner struct {
	root string
	skip SkipFunc
	out  chan ScannedEntry
	errc chan error
}

// NewScanner builds a Scanner over root, buffering up to queueDepth
// pending entries before Run blocks (back-pressure, spec.md §5).
func NewScanner(root string, skip SkipFunc, queueDepth int) *Scanner {
	if skip == nil {
		skip = func(string) bool { return false }
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Scanner{
		root: root,
		skip: skip,
		out:  make(chan ScannedEntry, queueDepth),
		errc: make(chan error, 1),
	}
}

// Entries returns the channel the packager consumes from.
func (s *Scanner) Entries() <-chan ScannedEntry { return s.out }

// Err returns the terminal error of the scan, if any; valid only after
// Entries has been drained to closure.
func (s *Scanner) Err() error {
	select {
	case err := <-s.errc:
		return err
	default:
		return nil
	}
}

// Run performs the walk synchronously; callers typically invoke it in its
// own goroutine and range over Entries concurrently. done lets a caller
// abort early: the walk stops emitting (though it still unwinds) once
// done is closed.
func (s *Scanner) Run(done <-chan struct{}) {
	defer close(s.out)

	st, err := os.Lstat(s.root)
	if err != nil {
		s.errc <- err
		return
	}
	node, err := files.NewSerialFile(s.root, false, st)
	if err != nil {
		s.errc <- err
		return
	}
	if err := s.walk("", node, done); err != nil {
		s.errc <- err
	}
}

func (s *Scanner) walk(relPath string, node files.Node, done <-chan struct{}) error {
	if s.skip(relPath) {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	switch nd := node.(type) {
	case files.Directory:
		select {
		case s.out <- ScannedEntry{RelPath: relPath, Node: nd}:
		case <-done:
			return nil
		}
		it := nd.Entries()
		for it.Next() {
			childPath := it.Name()
			if relPath != "" {
				childPath = filepath.Join(relPath, it.Name())
			}
			if err := s.walk(childPath, it.Node(), done); err != nil {
				log.Error().Err(err).Str("path", childPath).Msg("pipeline: scanner entry failed")
			}
		}
		return it.Err()
	default:
		select {
		case s.out <- ScannedEntry{RelPath: relPath, Node: node}:
		case <-done:
		}
		return nil
	}
}
