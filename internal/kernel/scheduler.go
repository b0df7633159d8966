package kernel

// QuantumTicks is the number of timer ticks a process may run before being
// preempted (§4.F.3). At a 100 Hz tick this yields a ~10ms quantum; the
// hosted core has no real timer, so ticks are advanced explicitly by
// CheckPreempt call sites inside a running process body (see runtime.go).
const QuantumTicks = 1

// Scheduler implements round-robin selection over a FIFO ready queue and
// drives the context-switch primitive (§4.F). It is owned exclusively by
// Kernel and, like the process table, is single-CPU shared state guarded
// by the "only one goroutine runs kernel code at a time" discipline the
// runtime package enforces (§5).
type Scheduler struct {
	table   *ProcessTable
	ready   []uint32
	current uint32 // 0 == idle
	ticks   uint64
}

// NewScheduler creates a scheduler over an existing process table.
func NewScheduler(table *ProcessTable) *Scheduler {
	return &Scheduler{table: table}
}

// Enqueue places pid at the tail of the ready queue and marks it Ready.
// Per §3 invariant 3, a PCB already in the queue is never enqueued twice;
// callers are expected to only call Enqueue on a transition into Ready.
func (s *Scheduler) Enqueue(pid uint32) {
	p := s.table.Get(pid)
	if p == nil {
		return
	}
	p.State = StateReady
	s.ready = append(s.ready, pid)
}

// Current returns the currently running pid, or 0 for the idle loop.
func (s *Scheduler) Current() uint32 {
	return s.current
}

// Schedule implements §4.F.1: if the previous process is still Running
// (true for timer-driven preemption, false if it already transitioned
// itself to Blocked or Zombie before calling Schedule), requeue it; then
// dequeue the new head and mark it Running. Returns 0 if the ready queue is
// empty, meaning the caller should run the idle loop.
func (s *Scheduler) Schedule() uint32 {
	if s.current != 0 {
		if p := s.table.Get(s.current); p != nil && p.State == StateRunning {
			s.Enqueue(s.current)
		}
	}

	if len(s.ready) == 0 {
		s.current = 0
		return 0
	}

	next := s.ready[0]
	s.ready = s.ready[1:]
	if p := s.table.Get(next); p != nil {
		p.State = StateRunning
	}
	s.current = next
	return next
}

// OnTick advances the tick counter and reports whether the current
// quantum has been exhausted (§4.D.4, §4.F.3). Calling it resets the
// counter once it fires, matching a hardware timer's quantum-boundary
// behavior.
func (s *Scheduler) OnTick() bool {
	s.ticks++
	if s.ticks >= QuantumTicks {
		s.ticks = 0
		return true
	}
	return false
}

// RemoveFromReady removes pid from the ready queue, used when a process
// exits while still enqueued (should not normally happen since a Running
// process is never in the queue, but exit can race a not-yet-dispatched
// Enqueue in pathological call sequences during testing).
func (s *Scheduler) RemoveFromReady(pid uint32) {
	out := s.ready[:0]
	for _, p := range s.ready {
		if p != pid {
			out = append(out, p)
		}
	}
	s.ready = out
}
