package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alarm"
)

// Snapshot is an immutable, validated rule set. Handlers keep the snapshot
// they started with; a reload installs a new one.
type Snapshot struct {
	version  string
	loadedAt time.Time
	rules    []Rule
	byName   map[string]int
}

func newSnapshot(rules []Rule, version string) *Snapshot {
	byName := make(map[string]int, len(rules))
	for i, r := range rules {
		byName[r.Name] = i
	}
	return &Snapshot{version: version, loadedAt: time.Now(), rules: rules, byName: byName}
}

// Version is a short content hash of the document the snapshot came from.
func (s *Snapshot) Version() string { return s.version }

// LoadedAt is when the snapshot was parsed.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Len returns the number of rules.
func (s *Snapshot) Len() int { return len(s.rules) }

// Rules returns a copy of the rule list in document order.
func (s *Snapshot) Rules() []Rule { return append([]Rule(nil), s.rules...) }

// Get returns a rule by name.
func (s *Snapshot) Get(name string) (Rule, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Rule{}, false
	}
	return s.rules[i], true
}

// Match evaluates ev against this snapshot.
func (s *Snapshot) Match(ev *alarm.Event, history []Datapoint) MatchResult {
	return Match(s.rules, ev, history)
}

// ReloadHook is called after every reload attempt.
type ReloadHook func(snap *Snapshot, err error)

// Store holds the current snapshot and swaps it atomically on reload.
type Store struct {
	src    Source
	cur    atomic.Pointer[Snapshot]
	mu     sync.Mutex // serialises reloads
	logger log.Logger
	hook   ReloadHook
}

// NewStore creates a Store reading from src. Call Load before use.
func NewStore(src Source, logger log.Logger, hook ReloadHook) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{src: src, logger: logger, hook: hook}
}

// NewStaticStore returns a Store pinned to snap, for tests and embedding.
func NewStaticStore(snap *Snapshot) *Store {
	s := &Store{logger: log.Nop()}
	s.cur.Store(snap)
	return s
}

// Snapshot returns the current rule set.
func (s *Store) Snapshot() *Snapshot {
	return s.cur.Load()
}

// Load reads and validates the document and installs it. It is used at
// startup, where any error must abort.
func (s *Store) Load(ctx context.Context) error {
	_, err := s.Reload(ctx)
	return err
}

// Reload re-reads the source. On any error the previous snapshot stays
// installed and the error is returned.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	if s.src == nil {
		return s.Snapshot(), fmt.Errorf("rules: store has no source")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load(ctx)
	if s.hook != nil {
		s.hook(snap, err)
	}
	if err != nil {
		s.logger.Warn(ctx, "rule reload rejected, keeping previous rule set",
			"source", s.src.String(), "error", err.Error())
		return s.Snapshot(), err
	}

	prev := s.cur.Swap(snap)
	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version()
	}
	s.logger.Info(ctx, "rule set loaded",
		"source", s.src.String(),
		"rules", snap.Len(),
		"version", snap.Version(),
		"previous_version", prevVersion,
	)
	return snap, nil
}

func (s *Store) load(ctx context.Context) (*Snapshot, error) {
	data, err := s.src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("read rules from %s: %w", s.src, err)
	}
	return Parse(data)
}
