package mediator

import (
	"sync"

	"github.com/brojonat/contractgate/service/evm"
)

// Set hands out one Mediator per contract function, so concurrent writes to
// different functions proceed independently while writes to the same
// function are serialized by the busy rule.
type Set struct {
	mu        sync.Mutex
	deps      Deps
	defaults  Config
	mediators map[string]*Mediator
}

// NewSet creates a set. defaults supplies gas limit, confirmations and
// confirmation timeout for every mediator it creates.
func NewSet(deps Deps, defaults Config) *Set {
	return &Set{
		deps:      deps,
		defaults:  defaults,
		mediators: make(map[string]*Mediator),
	}
}

// For returns the mediator bound to contract.function. Only functions of
// deployed contracts are kept; any other pair gets a fresh mediator whose
// writes fail on describe.
func (s *Set) For(contract, function string) *Mediator {
	key := contract + "." + function

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mediators[key]; ok {
		return m
	}
	cfg := s.defaults
	cfg.ContractName = contract
	cfg.FunctionName = function
	cfg.Args = nil
	cfg.Value = nil
	m := New(cfg, s.deps)
	if s.known(contract, function) {
		s.mediators[key] = m
	}
	return m
}

func (s *Set) known(contract, function string) bool {
	if s.deps.Directory == nil {
		return false
	}
	dep, ok := s.deps.Directory.Lookup(contract)
	if !ok {
		return false
	}
	parsed, err := evm.ParseABI(dep.ABI)
	if err != nil {
		return false
	}
	_, ok = parsed.Methods[function]
	return ok
}

// Len returns the number of cached mediators.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mediators)
}

// States reports the current state of every mediator that is not idle,
// keyed by contract.function.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]State)
	for key, m := range s.mediators {
		if st := m.State(); st != Idle {
			out[key] = st
		}
	}
	return out
}
