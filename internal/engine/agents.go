package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// AgentStore resolves agent definitions. Agents are owned by external
// configuration; the engine only reads them.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
}

// StaticAgentStore serves a fixed agent catalog, typically loaded from
// configuration at startup.
type StaticAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

var _ AgentStore = (*StaticAgentStore)(nil)

// NewStaticAgentStore creates a store over the given catalog.
func NewStaticAgentStore(agents []*models.Agent) *StaticAgentStore {
	byID := make(map[string]*models.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	return &StaticAgentStore{agents: byID}
}

func (s *StaticAgentStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, &NotFoundError{Kind: "agent", ID: id}
	}
	out := *agent
	out.AllowedTools = append([]string(nil), agent.AllowedTools...)
	return &out, nil
}

func (s *StaticAgentStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		copied := *a
		copied.AllowedTools = append([]string(nil), a.AllowedTools...)
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
