// Package pid implements a single-loop float PID controller sampled at
// irregular intervals. The controller owns no I/O: it reads process state
// through caller-owned cells and writes the control output back through one.
// Timestamps are caller-supplied microseconds and must be non-decreasing.
package pid

import "math"

// DefaultMinInterval is the default minimal time slice between two effective
// evaluations, in microseconds.
const DefaultMinInterval uint64 = 10

// Internal gain scaling: the caller tunes in per-second units while the
// evaluation runs in microseconds.
const (
	kiScale = 1.0e-6
	kdScale = 1.0e+6
)

// Gains holds the tuning gains in per-second caller units.
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// Limits is a (low, high) range pair.
type Limits struct {
	Low  float64
	High float64
}

// Unbounded returns a limit pair spanning the whole float range.
func Unbounded() Limits {
	return Limits{Low: math.Inf(-1), High: math.Inf(1)}
}

// Params is the full tunable parameter set accepted at construction.
// A zero-value limit pair means unbounded; a zero MinInterval means the
// default floor.
type Params struct {
	Gains       Gains
	Deadband    float64
	DeadbandOn  bool
	Manual      bool
	PV          Limits
	SP          Limits
	CO          Limits
	MinInterval uint64 // microseconds
}

// DefaultParams returns the construction defaults: zero gains, unbounded
// limits, deadband off, manual mode on (safe startup: the tieback drives the
// output until the caller switches to automatic).
func DefaultParams() Params {
	return Params{
		Manual:      true,
		PV:          Unbounded(),
		SP:          Unbounded(),
		CO:          Unbounded(),
		MinInterval: DefaultMinInterval,
	}
}

// Controller is a single-loop PID evaluation core. It is not safe for
// concurrent use; callers integrating it into a multi-goroutine environment
// must serialize access around every call.
type Controller struct {
	// External bindings. The controller reads pv, sp and tb and exclusively
	// writes co during Update. tb may be nil (treated as zero in manual mode).
	pv *float64
	sp *float64
	tb *float64
	co *float64

	kp float64
	ki float64 // stored per-microsecond (caller value x 1e-6)
	kd float64 // stored per-microsecond (caller value x 1e+6)

	deadband   float64
	deadbandOn bool
	manual     bool

	pvLim Limits // informational
	spLim Limits // informational
	coLim Limits // enforced on every computed output

	minInterval uint64 // microseconds, >= 1

	// Transient state, mutated only by Update.
	lastTS     uint64
	lastManual bool
	iTerm      float64
	lastErr    float64
	lastOut    float64
}

// New returns an unbound controller with default parameters. It cannot
// evaluate until cells are bound via NewBound/NewTuned semantics; Update
// reports ErrUnbound.
func New() *Controller {
	return NewTuned(nil, nil, nil, nil, DefaultParams())
}

// NewBound returns a controller bound to the given cells with default
// parameters. tb may be nil.
func NewBound(pv, sp, co, tb *float64) *Controller {
	return NewTuned(pv, sp, co, tb, DefaultParams())
}

// NewTuned returns a controller bound to the given cells with the full
// parameter set. Gains are supplied in per-second units and rescaled to the
// internal microsecond domain.
func NewTuned(pv, sp, co, tb *float64, p Params) *Controller {
	if p.PV == (Limits{}) {
		p.PV = Unbounded()
	}
	if p.SP == (Limits{}) {
		p.SP = Unbounded()
	}
	if p.CO == (Limits{}) {
		p.CO = Unbounded()
	}
	if p.MinInterval == 0 {
		p.MinInterval = DefaultMinInterval
	}
	return &Controller{
		pv:          pv,
		sp:          sp,
		tb:          tb,
		co:          co,
		kp:          p.Gains.Kp,
		ki:          p.Gains.Ki * kiScale,
		kd:          p.Gains.Kd * kdScale,
		deadband:    p.Deadband,
		deadbandOn:  p.DeadbandOn,
		manual:      p.Manual,
		pvLim:       p.PV,
		spLim:       p.SP,
		coLim:       p.CO,
		minInterval: p.MinInterval,
		lastManual:  true,
	}
}

// PVLimits returns the process variable limits.
func (c *Controller) PVLimits() Limits { return c.pvLim }

// SetPVLimits stores the process variable limits. A misordered pair is stored
// swapped and ErrLimitsSwapped is returned.
func (c *Controller) SetPVLimits(low, high float64) error {
	var err error
	c.pvLim, err = orderLimits(low, high)
	return err
}

// SPLimits returns the setpoint limits.
func (c *Controller) SPLimits() Limits { return c.spLim }

// SetSPLimits stores the setpoint limits. A misordered pair is stored swapped
// and ErrLimitsSwapped is returned.
func (c *Controller) SetSPLimits(low, high float64) error {
	var err error
	c.spLim, err = orderLimits(low, high)
	return err
}

// COLimits returns the control output limits.
func (c *Controller) COLimits() Limits { return c.coLim }

// SetCOLimits stores the control output limits, enforced on every computed
// output. A misordered pair is stored swapped and ErrLimitsSwapped is
// returned.
func (c *Controller) SetCOLimits(low, high float64) error {
	var err error
	c.coLim, err = orderLimits(low, high)
	return err
}

// Gains returns the tuning gains rescaled back to per-second caller units.
func (c *Controller) Gains() Gains {
	return Gains{
		Kp: c.kp,
		Ki: c.ki / kiScale,
		Kd: c.kd / kdScale,
	}
}

// SetGains validates and stores the tuning gains. Kd carries a narrower bound
// than the representable range because of its internal 1e+6 prescaling. On
// failure nothing is mutated.
func (c *Controller) SetGains(g Gains) error {
	if !isFinite(g.Kp) || !isFinite(g.Ki) || !isFinite(g.Kd) {
		return ErrGainOutOfRange
	}
	if math.Abs(g.Kd) > math.MaxFloat64*kiScale {
		return ErrGainOutOfRange
	}
	c.kp = g.Kp
	c.ki = g.Ki * kiScale
	c.kd = g.Kd * kdScale
	return nil
}

// Deadband returns the deadband magnitude and its enable flag.
func (c *Controller) Deadband() (float64, bool) { return c.deadband, c.deadbandOn }

// SetDeadband validates and stores the deadband magnitude and enable flag.
func (c *Controller) SetDeadband(db float64, on bool) error {
	if !isFinite(db) {
		return ErrDeadbandRange
	}
	c.deadband = db
	c.deadbandOn = on
	return nil
}

// ManualMode reports whether the tieback drives the output directly.
func (c *Controller) ManualMode() bool { return c.manual }

// SetManualMode switches between manual and automatic operation.
func (c *Controller) SetManualMode(on bool) { c.manual = on }

// MinInterval returns the minimal time slice in microseconds.
func (c *Controller) MinInterval() uint64 { return c.minInterval }

// SetMinInterval stores the minimal time slice. Zero is never accepted as the
// effective interval: it is floored to 1us and ErrZeroMinInterval returned.
func (c *Controller) SetMinInterval(us uint64) error {
	c.minInterval = us
	if c.minInterval == 0 {
		c.minInterval++
		return ErrZeroMinInterval
	}
	return nil
}

// Update runs one control cycle at the given timestamp (microseconds,
// non-decreasing across the controller's lifetime) and writes the new output
// through the output cell. Cycles arriving before the minimal time slice has
// elapsed rewrite the previous output unchanged and report success.
func (c *Controller) Update(timestamp uint64) error {
	if c.pv == nil || c.sp == nil || c.co == nil {
		return ErrUnbound
	}
	if c.minInterval == 0 {
		return ErrZeroMinInterval
	}

	dt := timestamp - c.lastTS
	if dt < c.minInterval {
		*c.co = c.lastOut
		return nil
	}
	c.lastTS = timestamp

	// Tieback drives the output in manual mode; output limits still apply.
	// The control law and integral state are untouched.
	if c.manual {
		out := 0.0
		if c.tb != nil {
			out = *c.tb
		}
		c.lastOut = clamp(out, c.coLim)
		*c.co = c.lastOut
		c.lastManual = true
		return nil
	}

	// Bumpless transfer: seed the integral term with the last output when
	// switching back from manual so automatic takeover has no step.
	if c.lastManual {
		c.lastManual = false
		c.iTerm = c.lastOut
	}

	err := *c.sp - *c.pv

	// Deadband gate. The comparison is against the signed error, matching the
	// reference semantics, so only errors below the threshold are suppressed.
	if c.deadbandOn && err < c.deadband {
		c.lastErr = err
		*c.co = c.lastOut
		return nil
	}

	out := c.kp * err

	out += c.kd * (err - c.lastErr) / float64(dt)
	c.lastErr = err

	if c.ki == 0 {
		// No memory carried while integral action is disabled.
		c.iTerm = 0
	} else {
		// Conditional anti-windup: the delta is discarded when the running
		// total is already past a limit in the delta's direction.
		dITerm := c.ki * err * float64(dt)
		out += c.iTerm
		if !((out > c.coLim.High && dITerm > 0) || (out < c.coLim.Low && dITerm < 0)) {
			out += dITerm
			c.iTerm += dITerm
		}
	}

	c.lastOut = clamp(out, c.coLim)
	*c.co = c.lastOut
	return nil
}

func orderLimits(low, high float64) (Limits, error) {
	if high < low {
		return Limits{Low: high, High: low}, ErrLimitsSwapped
	}
	return Limits{Low: low, High: high}, nil
}

func clamp(v float64, l Limits) float64 {
	if v < l.Low {
		return l.Low
	}
	if v > l.High {
		return l.High
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
