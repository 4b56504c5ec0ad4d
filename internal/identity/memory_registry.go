package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCustody/internal/errors"
)

// MemoryRegistry provides an in-memory implementation of the Resolver
// interface, intended for development and testing scenarios.
type MemoryRegistry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

// NewMemoryRegistry initialises the registry with the provided seed bindings.
func NewMemoryRegistry(seeds []Binding) (*MemoryRegistry, error) {
	reg := &MemoryRegistry{bindings: make(map[string]*Binding)}
	for _, seed := range seeds {
		if err := reg.Bind(seed); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Bind registers or replaces the binding for an agent identifier.
func (r *MemoryRegistry) Bind(binding Binding) error {
	agentID := strings.TrimSpace(binding.AgentID)
	if agentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id cannot be empty")
	}
	if binding.Wallet == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent wallet cannot be the zero address")
	}
	clone := binding
	clone.AgentID = agentID
	clone.Owners = append([]common.Address(nil), binding.Owners...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentID] = &clone
	return nil
}

// Revoke disables an existing binding without removing its history.
func (r *MemoryRegistry) Revoke(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.bindings[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	binding.Disabled = true
	return nil
}

// ResolveAgentWallet implements the Resolver interface.
func (r *MemoryRegistry) ResolveAgentWallet(_ context.Context, agentID string) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binding, ok := r.bindings[strings.TrimSpace(agentID)]
	if !ok {
		return common.Address{}, ErrAgentNotFound
	}
	if binding.Disabled {
		return common.Address{}, ErrAgentRevoked
	}
	return binding.Wallet, nil
}

// IsAuthorizedOwner implements the Resolver interface.
func (r *MemoryRegistry) IsAuthorizedOwner(_ context.Context, caller common.Address, agentID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binding, ok := r.bindings[strings.TrimSpace(agentID)]
	if !ok {
		return false, ErrAgentNotFound
	}
	if binding.Disabled {
		return false, ErrAgentRevoked
	}
	for _, owner := range binding.Owners {
		if owner == caller {
			return true, nil
		}
	}
	return false, nil
}
