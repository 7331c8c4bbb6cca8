package admission

import "sync"

// slotPool is a counting semaphore whose capacity can be adjusted at
// runtime, which channel semaphores cannot do. REDUCE_LOAD remediations
// shrink the global pool and restore it after the cooldown.
type slotPool struct {
	mu       sync.Mutex
	limit    int
	baseline int
	inUse    int
}

func newSlotPool(limit int) *slotPool {
	return &slotPool{limit: limit, baseline: limit}
}

// TryAcquire takes one slot if capacity allows.
func (s *slotPool) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUse >= s.limit {
		return false
	}
	s.inUse++
	return true
}

// Release returns one slot. Releasing below zero is a programming error and
// is clamped rather than propagated.
func (s *slotPool) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUse > 0 {
		s.inUse--
	}
}

// InUse reports current occupancy.
func (s *slotPool) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Limit reports current capacity.
func (s *slotPool) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Scale multiplies the baseline capacity by factor, flooring at one slot.
func (s *slotPool) Scale(factor float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := int(float64(s.baseline) * factor)
	if limit < 1 {
		limit = 1
	}
	s.limit = limit
	return limit
}

// Restore resets capacity to the configured baseline.
func (s *slotPool) Restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = s.baseline
}

// projectSlots tracks per-project occupancy against a shared cap.
type projectSlots struct {
	mu       sync.Mutex
	perLimit int
	inUse    map[string]int
}

func newProjectSlots(perLimit int) *projectSlots {
	return &projectSlots{perLimit: perLimit, inUse: make(map[string]int)}
}

func (p *projectSlots) TryAcquire(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUse[projectID] >= p.perLimit {
		return false
	}
	p.inUse[projectID]++
	return true
}

func (p *projectSlots) Release(projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.inUse[projectID]; n > 1 {
		p.inUse[projectID] = n - 1
	} else {
		delete(p.inUse, projectID)
	}
}

func (p *projectSlots) InUse(projectID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[projectID]
}
