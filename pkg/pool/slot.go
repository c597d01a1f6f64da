package pool

import "github.com/fluxorio/unitpool/pkg/unit"

// slotState is either idleState or busyState; a busy slot always names its task
type slotState interface{ isSlotState() }

type idleState struct{}

type busyState struct{ taskID uint64 }

func (idleState) isSlotState() {}
func (busyState) isSlotState() {}

// slot is the pool's bookkeeping for one live unit. Only the control loop
// touches it.
type slot struct {
	unit      unit.Unit
	state     slotState
	processed int
	removed   bool
}

func newSlot(u unit.Unit) *slot {
	return &slot{unit: u, state: idleState{}}
}

func (s *slot) id() string { return s.unit.ID() }

func (s *slot) idle() bool {
	_, ok := s.state.(idleState)
	return ok
}

// current returns the assigned task id
func (s *slot) current() (uint64, bool) {
	b, ok := s.state.(busyState)
	return b.taskID, ok
}
