package breaker

import (
	"hash/fnv"
	"sync"

	"mindloop/internal/clock"
	"mindloop/internal/config"
)

// stripeCount is the number of lock stripes over the per-user machine map.
// Individual machines carry their own mutex; the stripes only guard map
// access, so a modest count is plenty.
const stripeCount = 16

type stripe struct {
	mu       sync.RWMutex
	machines map[string]*machine
}

// UserBreakers holds one psychological circuit breaker per user, created
// lazily on first interaction. State is ephemeral: it lives for the process
// lifetime only.
type UserBreakers struct {
	cfg config.BreakerConfig
	clk clock.PassiveClock

	stripes [stripeCount]stripe
}

// NewUserBreakers creates the per-user breaker registry.
func NewUserBreakers(cfg config.BreakerConfig, clk clock.PassiveClock) *UserBreakers {
	ub := &UserBreakers{cfg: cfg, clk: clk}
	for i := range ub.stripes {
		ub.stripes[i].machines = make(map[string]*machine)
	}
	return ub
}

func (ub *UserBreakers) stripe(userID string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &ub.stripes[h.Sum32()%stripeCount]
}

// forUser returns the user's machine, creating it on first interaction.
func (ub *UserBreakers) forUser(userID string) *machine {
	s := ub.stripe(userID)

	s.mu.RLock()
	m, ok := s.machines[userID]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok = s.machines[userID]; ok {
		return m
	}
	m = newMachine("user:"+userID, ub.cfg.FailureThreshold, ub.cfg.RecoveryDuration(), ub.clk)
	s.machines[userID] = m
	return m
}

// Check returns the admission decision for one user.
func (ub *UserBreakers) Check(userID string) Decision {
	return ub.forUser(userID).Check()
}

// Record records an interaction outcome for one user. A failure is either a
// caught loop exception or a disengagement signal from the return channel.
func (ub *UserBreakers) Record(userID string, success bool) {
	ub.forUser(userID).Record(success)
}

// For returns the Breaker view for one user, for callers that hold onto it.
func (ub *UserBreakers) For(userID string) Breaker {
	return ub.forUser(userID)
}

// States returns a snapshot of every known user's breaker state.
func (ub *UserBreakers) States() map[string]State {
	out := make(map[string]State)
	for i := range ub.stripes {
		s := &ub.stripes[i]
		s.mu.RLock()
		for id, m := range s.machines {
			st, _, _ := m.Snapshot()
			out[id] = st
		}
		s.mu.RUnlock()
	}
	return out
}

// StateCounts returns aggregate counts per state, for metrics.
func (ub *UserBreakers) StateCounts() map[State]int {
	counts := make(map[State]int, 3)
	for _, st := range ub.States() {
		counts[st]++
	}
	return counts
}
