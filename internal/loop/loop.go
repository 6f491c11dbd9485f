// Package loop wraps the PID core in a sampled control-loop service. The Loop
// owns the four numeric cells the core is bound to, serializes access around
// every evaluation, and feeds the core monotonic microsecond timestamps.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/procwise/pidloop/internal/pid"
)

// Snapshot is the externally visible state of the loop.
type Snapshot struct {
	ProcessValue float64
	Setpoint     float64
	Tieback      float64
	Output       float64

	Manual     bool
	Gains      pid.Gains
	Deadband   float64
	DeadbandOn bool

	ProcessLimits  pid.Limits
	SetpointLimits pid.Limits
	OutputLimits   pid.Limits

	MinInterval uint64 // microseconds
}

type Loop struct {
	mu sync.RWMutex

	// Cells the controller is bound to. Controllers (HTTP/MQTT/Modbus) write
	// pv/sp/tb through the setters; only the core writes co.
	pv float64
	sp float64
	tb float64
	co float64

	ctl   *pid.Controller
	epoch time.Time
}

// New builds a loop from an initial snapshot. Limit pairs and the setpoint
// are validated; transient controller state starts at the safe manual-mode
// default.
func New(initial Snapshot) (*Loop, error) {
	if err := validateSnapshot(initial); err != nil {
		return nil, err
	}

	l := &Loop{
		pv:    initial.ProcessValue,
		sp:    initial.Setpoint,
		tb:    initial.Tieback,
		epoch: time.Now(),
	}
	l.ctl = pid.NewTuned(&l.pv, &l.sp, &l.co, &l.tb, pid.Params{
		Gains:       initial.Gains,
		Deadband:    initial.Deadband,
		DeadbandOn:  initial.DeadbandOn,
		Manual:      initial.Manual,
		PV:          initial.ProcessLimits,
		SP:          initial.SetpointLimits,
		CO:          initial.OutputLimits,
		MinInterval: initial.MinInterval,
	})
	return l, nil
}

func validateSnapshot(s Snapshot) error {
	for _, lim := range []pid.Limits{s.ProcessLimits, s.SetpointLimits, s.OutputLimits} {
		if lim != (pid.Limits{}) && lim.Low > lim.High {
			return ErrInvalidLimits
		}
	}
	sl := s.SetpointLimits
	if sl != (pid.Limits{}) && (s.Setpoint < sl.Low || s.Setpoint > sl.High) {
		return ErrSetpointOutOfRange
	}
	return nil
}

func (l *Loop) Get() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	db, dbOn := l.ctl.Deadband()
	return Snapshot{
		ProcessValue:   l.pv,
		Setpoint:       l.sp,
		Tieback:        l.tb,
		Output:         l.co,
		Manual:         l.ctl.ManualMode(),
		Gains:          l.ctl.Gains(),
		Deadband:       db,
		DeadbandOn:     dbOn,
		ProcessLimits:  l.ctl.PVLimits(),
		SetpointLimits: l.ctl.SPLimits(),
		OutputLimits:   l.ctl.COLimits(),
		MinInterval:    l.ctl.MinInterval(),
	}
}

// SetProcessValue stores a new measurement. Process limits are informational
// and not enforced here.
func (l *Loop) SetProcessValue(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pv = v
}

// SetSetpoint stores a new setpoint after checking it against the setpoint
// limits.
func (l *Loop) SetSetpoint(v float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim := l.ctl.SPLimits()
	if v < lim.Low || v > lim.High {
		return ErrSetpointOutOfRange
	}
	l.sp = v
	return nil
}

func (l *Loop) SetTieback(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tb = v
}

func (l *Loop) SetManual(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctl.SetManualMode(on)
}

func (l *Loop) SetGains(g pid.Gains) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctl.SetGains(g)
}

func (l *Loop) SetDeadband(db float64, on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctl.SetDeadband(db, on)
}

func (l *Loop) SetOutputLimits(low, high float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctl.SetCOLimits(low, high)
}

// SetSetpointLimits stores new setpoint limits. The current setpoint must
// remain valid under the new pair.
func (l *Loop) SetSetpointLimits(low, high float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if low <= high && (l.sp < low || l.sp > high) {
		return ErrSetpointOutOfRange
	}
	return l.ctl.SetSPLimits(low, high)
}

func (l *Loop) SetProcessLimits(low, high float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctl.SetPVLimits(low, high)
}

func (l *Loop) SetMinInterval(us uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctl.SetMinInterval(us)
}

// Step runs one evaluation at the current monotonic time.
func (l *Loop) Step() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctl.Update(uint64(time.Since(l.epoch).Microseconds()))
}

// StepAt runs one evaluation at an explicit microsecond timestamp. Intended
// for offline runs and tests; do not mix with Step on the same loop.
func (l *Loop) StepAt(ts uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctl.Update(ts)
}

// Run evaluates the loop on the given interval until the context is done.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Step(); err != nil {
				return err
			}
		}
	}
}

// RunPlant closes the loop against a simulated process: on each tick the
// plant integrates the current output into a new process value.
func (l *Loop) RunPlant(ctx context.Context, p *Plant, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.mu.Lock()
			l.pv += p.Delta(l.pv, l.co, interval)
			l.mu.Unlock()
		}
	}
}
