// Package session implements the session controller (spec §3 Session,
// §4.6): the Idle/Active/Saving/Discarding state machine gating when
// persistence owns a base directory, plus the per-session run counters
// that reset at the Idle<->Active boundary. Grounded on dastard's
// WritingState/WriteControl state handling (data_source.go) re-expressed
// for an explicit four-state machine instead of boolean writer flags.
package session

import (
	"log"
	"sync"
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
	"github.com/multiverse-hardware-labs/ephysd/internal/options"
)

// State is one of the four session states spec §4.6 names.
type State int

const (
	Idle State = iota
	Active
	Saving
	Discarding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Active:
		return "Active"
	case Saving:
		return "Saving"
	case Discarding:
		return "Discarding"
	default:
		return "Unknown"
	}
}

// Counters tracks per-session procedure run totals, reset on every
// Idle<->Active transition (spec §4.6 "Per-session counters reset on
// Idle -> Active and again on Active -> Idle").
type Counters struct {
	CompletedRuns int
	AbortedRuns   int
	FailedRuns    int
}

// Storage is the persistence-side collaborator a Session finalizes or
// discards into (spec §4.6 "the persistence component finalizes all
// open files ... or closes and deletes them"). Implemented by
// internal/persist.
type Storage interface {
	// Open begins writing under a freshly allocated base directory and
	// returns it.
	Open() (basePath string, err error)
	// Finalize closes every open file under the session's base
	// directory, keeping them.
	Finalize() error
	// Discard closes every open file under the session's base directory
	// and removes the directory and every index entry referencing it.
	Discard() error
	// IncompleteSave reports whether the persistence queue dropped any
	// stimulus descriptor to back-pressure during this session (spec
	// §5 "the affected run is flagged 'incomplete save'").
	IncompleteSave() bool
}

// Session is the single controller instance a Framework owns (spec §3
// Session, §4.6).
type Session struct {
	mu         sync.Mutex
	state      State
	basePath   string
	started    time.Time
	counters   Counters
	incomplete bool

	// Metadata is a free-form Options blob describing the session
	// (operator, subject, notes); SPEC_FULL §4.6 attaches it directly to
	// the session rather than threading it through persistence.
	Metadata *options.Options

	storage Storage
}

// New creates an Idle Session with an empty Metadata blob.
func New(storage Storage) *Session {
	return &Session{
		state:    Idle,
		storage:  storage,
		Metadata: options.New("metadata"),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Counters returns a snapshot of the session's run counters.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// BasePath returns the directory persistence is currently writing
// under, or "" if the session is Idle.
func (s *Session) BasePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.basePath
}

// IncompleteSave reports whether the most recently saved session had at
// least one stimulus descriptor dropped to persistence back-pressure
// (spec §5 "the affected run is flagged 'incomplete save'"). Start
// resets it to false and only Save sets it, so during an active session
// it reports false.
func (s *Session) IncompleteSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incomplete
}

// RecordOutcome folds one procedure run's outcome into the session's
// counters; it is a no-op while Idle (spec §4.6 counters only exist
// across an Active session).
func (s *Session) RecordOutcome(completed, aborted, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return
	}
	switch {
	case completed:
		s.counters.CompletedRuns++
	case aborted:
		s.counters.AbortedRuns++
	case failed:
		s.counters.FailedRuns++
	}
}

// Start transitions Idle -> Active, allocating a fresh base directory
// through Storage and resetting the run counters (spec §4.6).
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ephyserr.New("session.Start", ephyserr.Busy, s.state.String(), "session is not Idle")
	}
	path, err := s.storage.Open()
	if err != nil {
		return ephyserr.Wrap("session.Start", ephyserr.WriteError, "", err)
	}
	s.basePath = path
	s.started = time.Now()
	s.counters = Counters{}
	s.incomplete = false
	s.state = Active
	return nil
}

// Save transitions Active -> Saving -> Idle: persistence finalizes and
// keeps every open file under the session's base directory (spec §4.6
// "Active -> Saving ... finalizes all open files and keeps them").
func (s *Session) Save() error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return ephyserr.New("session.Save", ephyserr.Busy, s.state.String(), "session is not Active")
	}
	s.state = Saving
	s.mu.Unlock()

	incomplete := s.storage.IncompleteSave()
	err := s.storage.Finalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	s.counters = Counters{}
	s.basePath = ""
	s.incomplete = incomplete
	if incomplete {
		log.Printf("session: save completed with dropped stimulus descriptors, run flagged incomplete save")
	}
	if err != nil {
		return ephyserr.Wrap("session.Save", ephyserr.WriteError, "", err)
	}
	return nil
}

// Discard transitions Active -> Discarding -> Idle: persistence closes
// and deletes every file and index entry for the session (spec §4.6,
// §8 scenario 6 "the base directory and every file created for that
// session are removed; no stimulus entry remains in any global index").
func (s *Session) Discard() error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return ephyserr.New("session.Discard", ephyserr.Busy, s.state.String(), "session is not Active")
	}
	s.state = Discarding
	s.mu.Unlock()

	err := s.storage.Discard()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	s.counters = Counters{}
	s.basePath = ""
	if err != nil {
		return ephyserr.Wrap("session.Discard", ephyserr.WriteError, "", err)
	}
	return nil
}
