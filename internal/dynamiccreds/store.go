package dynamiccreds

import (
	"sync"

	"github.com/zncore/vault-agent/internal/domain"
)

// store holds the in-memory, never-persisted DynamicSecretsConfig for
// every connection the agent currently knows about, enforcing strict
// version monotonicity on every push.
type store struct {
	mu      sync.RWMutex
	configs map[string]domain.DynamicSecretsConfig
}

func newStore() *store {
	return &store{configs: make(map[string]domain.DynamicSecretsConfig)}
}

// put stores cfg if its ConfigVersion is strictly newer than any
// version already on file for the connection. Returns false (without
// storing) when the incoming version is stale.
func (s *store) put(cfg domain.DynamicSecretsConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.configs[cfg.ConnectionID]; ok && cfg.ConfigVersion <= existing.ConfigVersion {
		return false
	}
	s.configs[cfg.ConnectionID] = cfg
	return true
}

func (s *store) get(connectionID string) (domain.DynamicSecretsConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[connectionID]
	return cfg, ok
}

func (s *store) remove(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, connectionID)
}
