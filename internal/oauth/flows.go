package oauth

import (
	"context"
	"sync"
	"time"

	"mcpgate/pkg/logging"
)

const (
	// flowTTL bounds how long an authorize redirect may wait for its
	// callback.
	flowTTL = 10 * time.Minute

	// flowSweepInterval is the cadence of the expired-flow sweeper.
	flowSweepInterval = time.Minute
)

// FlowData is the server-side record of one authorize/callback
// round-trip. The PKCE verifier never leaves this record.
type FlowData struct {
	State         string
	Provider      string
	ServerID      string
	ClientBinding string
	CodeVerifier  string
	ReturnTo      string
	Scopes        []string
	CreatedAt     time.Time
}

// flowStore holds in-flight flows keyed by state. Entries are
// single-use: Consume deletes on read.
type flowStore struct {
	mu    sync.Mutex
	flows map[string]*FlowData
	ttl   time.Duration
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func newFlowStore() *flowStore {
	return &flowStore{
		flows: make(map[string]*FlowData),
		ttl:   flowTTL,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

func (s *flowStore) Put(flow *FlowData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.State] = flow
}

// Consume returns and deletes the flow for a state. Expired or unknown
// states return false; a replayed state is unknown by construction.
func (s *flowStore) Consume(state string) (*FlowData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[state]
	if !ok {
		return nil, false
	}
	delete(s.flows, state)
	if s.now().Sub(flow.CreatedAt) > s.ttl {
		return nil, false
	}
	return flow, true
}

func (s *flowStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	deadline := s.now().Add(-s.ttl)
	for state, flow := range s.flows {
		if flow.CreatedAt.Before(deadline) {
			delete(s.flows, state)
			removed++
		}
	}
	return removed
}

// StartSweeper prunes expired flows once per minute until the context
// ends or Stop is called.
func (s *flowStore) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(flowSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := s.sweep(); removed > 0 {
					logging.Debug("OAuthFlow", "Swept %d expired flows", removed)
				}
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *flowStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
