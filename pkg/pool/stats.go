package pool

// Stats is a point-in-time snapshot of a pool
type Stats struct {
	// Slots is the number of live units
	Slots int `json:"slots"`
	// Busy is the number of units running a task
	Busy int `json:"busy"`
	// Queued counts pending and in-flight tasks
	Queued int `json:"queued"`
	// Pending counts queued tasks not yet dispatched
	Pending int `json:"pending"`
	// Processed sums the live slots' completion counters; a respawned slot
	// starts from zero, so this is not a lifetime total
	Processed int `json:"processed"`
	// Available reports whether Submit can accept work
	Available bool `json:"available"`
	// DegradeReason explains why the pool is unavailable, if it is degraded
	DegradeReason string `json:"degrade_reason,omitempty"`

	Target       int  `json:"target"`
	Respawns     int  `json:"respawns"`
	ShuttingDown bool `json:"shutting_down"`
}

func (p *Pool) snapshot() Stats {
	st := Stats{
		Slots:         len(p.slots),
		Queued:        len(p.queue),
		DegradeReason: p.degradeReason,
		Target:        p.cfg.Size,
		Respawns:      p.respawns,
		ShuttingDown:  p.shuttingDown,
	}
	for _, s := range p.slots {
		if !s.idle() {
			st.Busy++
		}
		st.Processed += s.processed
	}
	for _, t := range p.queue {
		if !t.dispatched {
			st.Pending++
		}
	}
	st.Available = p.available()
	return st
}
