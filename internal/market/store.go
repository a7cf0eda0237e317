package market

import (
	"fmt"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/borrowing"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/funding"
)

// Store holds the registered market configurations and their canonical
// state, keyed by instrument. The engine passes it by handle into every
// model call.
type Store struct {
	configs map[string]*Config
	states  map[string]*State
}

// NewStore returns a store pre-registered with the default market set.
func NewStore(now int64) *Store {
	s := &Store{
		configs: make(map[string]*Config),
		states:  make(map[string]*State),
	}
	for _, cfg := range DefaultConfigs() {
		if err := s.Register(cfg, now); err != nil {
			panic(fmt.Sprintf("FATAL: market: invalid default config: %v", err))
		}
	}
	return s
}

// NewEmptyStore returns a store with no markets registered.
func NewEmptyStore() *Store {
	return &Store{
		configs: make(map[string]*Config),
		states:  make(map[string]*State),
	}
}

// Register validates and adds a market, creating its zero state.
func (s *Store) Register(cfg *Config, now int64) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config for %s: %w", cfg.Instrument, err)
	}
	if _, exists := s.configs[cfg.Instrument]; exists {
		return fmt.Errorf("market %s already registered", cfg.Instrument)
	}
	s.configs[cfg.Instrument] = cfg
	s.states[cfg.Instrument] = NewState(cfg.Instrument, now)
	return nil
}

// Config returns a market's configuration.
func (s *Store) Config(instrument string) (*Config, bool) {
	cfg, ok := s.configs[instrument]
	return cfg, ok
}

// State returns the canonical state for an instrument. Callers that stage
// a mutation must Clone it and Commit the clone.
func (s *Store) State(instrument string) (*State, bool) {
	st, ok := s.states[instrument]
	return st, ok
}

// Instruments returns all registered instrument names.
func (s *Store) Instruments() []string {
	out := make([]string, 0, len(s.configs))
	for k := range s.configs {
		out = append(out, k)
	}
	return out
}

// Touch recomputes funding and borrowing accrual for an instrument to now
// and commits the accrual immediately. Every mutating entry point calls
// this before reading any cumulative counter, so back-to-back requests
// always observe monotonically advancing accrual state. Accrual is
// time-driven, not request-driven: it stays committed even if the request
// that triggered it is later rejected.
func (s *Store) Touch(instrument string, indexPrice fixed.USD, now int64) (*State, error) {
	st, ok := s.states[instrument]
	if !ok {
		return nil, fmt.Errorf("unknown instrument %s", instrument)
	}
	cfg := s.configs[instrument]

	st.Funding = funding.Recompute(st.Funding, cfg.Funding, indexPrice, now)
	st.LongBorrow = borrowing.Accrue(st.LongBorrow, cfg.Borrowing, st.LongOpenInterest, true, st.BorrowUpdatedAt, now)
	st.ShortBorrow = borrowing.Accrue(st.ShortBorrow, cfg.Borrowing, st.ShortOpenInterest, false, st.BorrowUpdatedAt, now)
	st.BorrowUpdatedAt = now

	return st, nil
}

// Commit replaces the canonical state for the instrument with a staged
// clone. The caller guarantees the clone derives from the current state.
func (s *Store) Commit(st *State) {
	if _, ok := s.states[st.Instrument]; !ok {
		panic(fmt.Sprintf("FATAL: market: commit for unregistered instrument %s", st.Instrument))
	}
	s.states[st.Instrument] = st
}

// Restore overwrites state during snapshot recovery.
func (s *Store) Restore(st *State) error {
	if _, ok := s.configs[st.Instrument]; !ok {
		return fmt.Errorf("cannot restore state for unregistered instrument %s", st.Instrument)
	}
	s.states[st.Instrument] = st
	return nil
}

// AllStates returns the canonical states (for snapshots and queries).
func (s *Store) AllStates() []*State {
	out := make([]*State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out
}
