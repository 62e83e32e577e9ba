package persist

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store implements session.Storage: it allocates a session's base
// directory, owns the stimulus index file opened under it, and tracks
// every other file a persistence thread opens there so Discard can
// remove all of them in one pass (spec §4.6, §8 scenario 6).
type Store struct {
	root          string
	template      string
	now           func() time.Time
	highWaterMark int

	mu        sync.Mutex
	basePath  string
	indexFile *os.File
	index     *Index
	tracked   []*os.File
}

// NewStore creates a Store that allocates directories under root named
// by expanding template (see FormatTemplate) plus a monotonic counter.
// Its stimulus index uses DefaultHighWaterMark; call
// SetHighWaterMark before Open to configure it (spec §5 "configurable
// high-water mark").
func NewStore(root, template string) *Store {
	return &Store{root: root, template: template, now: time.Now}
}

// SetHighWaterMark configures the bound on the stimulus index's
// persistence queue for every session this Store opens from this point
// on (spec §5 back-pressure). A non-positive value restores the
// default.
func (s *Store) SetHighWaterMark(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highWaterMark = n
}

// Open allocates a fresh base directory and opens the stimulus index
// file under it (spec session.Storage.Open).
func (s *Store) Open() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := AllocateDirectory(s.root, s.template, s.now())
	if err != nil {
		return "", err
	}
	f, err := os.Create(filepath.Join(path, "stimuli.idx"))
	if err != nil {
		return "", err
	}
	s.basePath = path
	s.indexFile = f
	s.index = NewIndexWithHighWaterMark(f, s.highWaterMark)
	s.tracked = nil
	return path, nil
}

// IncompleteSave reports whether the currently (or most recently) open
// session's stimulus index has dropped any descriptor to back-pressure
// (spec §5). It is false if no session has been opened yet.
func (s *Store) IncompleteSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		return false
	}
	return s.index.IncompleteSave()
}

// Index returns the stimulus index for the currently open session, or
// nil if no session is open.
func (s *Store) Index() *Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// TrackFile registers an additional open file (a trace or event table)
// so it is flushed on Finalize and removed on Discard.
func (s *Store) TrackFile(f *os.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, f)
}

// BasePath returns the currently open session's base directory, or ""
// if none is open.
func (s *Store) BasePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.basePath
}

// Finalize flushes and closes every tracked file, keeping them on disk
// (spec §4.6 "Active -> Saving ... keeps them under the session's
// chosen path").
func (s *Store) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		if err := s.index.Flush(); err != nil {
			return err
		}
	}
	for _, f := range s.tracked {
		if err := f.Sync(); err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	if s.indexFile != nil {
		if err := s.indexFile.Close(); err != nil {
			return err
		}
	}
	s.reset()
	return nil
}

// Discard closes every tracked file, clears the in-memory stimulus
// index, and removes the session's entire base directory (spec §8
// scenario 6: "the base directory and every file created for that
// session are removed; no stimulus entry remains in any global
// index").
func (s *Store) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		s.index.Close()
		s.index.Clear()
	}
	for _, f := range s.tracked {
		_ = f.Close()
	}
	if s.indexFile != nil {
		_ = s.indexFile.Close()
	}
	base := s.basePath
	s.reset()
	if base == "" {
		return nil
	}
	return os.RemoveAll(base)
}

func (s *Store) reset() {
	s.basePath = ""
	s.indexFile = nil
	s.index = nil
	s.tracked = nil
}
