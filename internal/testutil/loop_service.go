package testutil

import (
	"github.com/procwise/pidloop/internal/loop"
	"github.com/procwise/pidloop/internal/pid"
)

// FakeLoopService is a reusable fake implementing ports.LoopService.
// Put ONLY what multiple test packages need here.
type FakeLoopService struct {
	S loop.Snapshot

	SetProcessValueCalled bool
	SetProcessValueArg    float64

	SetSetpointCalled bool
	SetSetpointArg    float64
	SetSetpointErr    error

	SetTiebackCalled bool
	SetTiebackArg    float64

	SetManualCalled bool
	SetManualArg    bool

	SetGainsCalled bool
	SetGainsArg    pid.Gains
	SetGainsErr    error

	SetDeadbandCalled bool
	SetDeadbandArg    float64
	SetDeadbandOnArg  bool
	SetDeadbandErr    error

	SetOutputLimitsCalled bool
	SetOutputLimitsArg    pid.Limits
	SetOutputLimitsErr    error

	SetSetpointLimitsCalled bool
	SetSetpointLimitsArg    pid.Limits
	SetSetpointLimitsErr    error

	SetProcessLimitsCalled bool
	SetProcessLimitsArg    pid.Limits
	SetProcessLimitsErr    error

	SetMinIntervalCalled bool
	SetMinIntervalArg    uint64
	SetMinIntervalErr    error
}

func NewFakeLoopService() *FakeLoopService {
	return &FakeLoopService{
		S: loop.Snapshot{
			ProcessValue:   21,
			Setpoint:       22,
			Tieback:        0,
			Output:         0,
			Manual:         true,
			Gains:          pid.Gains{Kp: 1, Ki: 0.5, Kd: 0.1},
			SetpointLimits: pid.Limits{Low: 0, High: 100},
			ProcessLimits:  pid.Limits{Low: -50, High: 150},
			OutputLimits:   pid.Limits{Low: 0, High: 100},
			MinInterval:    10,
		},
	}
}

func (f *FakeLoopService) Get() loop.Snapshot { return f.S }

func (f *FakeLoopService) SetProcessValue(v float64) {
	f.SetProcessValueCalled = true
	f.SetProcessValueArg = v
	f.S.ProcessValue = v
}

func (f *FakeLoopService) SetSetpoint(v float64) error {
	f.SetSetpointCalled = true
	f.SetSetpointArg = v
	if f.SetSetpointErr != nil {
		return f.SetSetpointErr
	}
	f.S.Setpoint = v
	return nil
}

func (f *FakeLoopService) SetTieback(v float64) {
	f.SetTiebackCalled = true
	f.SetTiebackArg = v
	f.S.Tieback = v
}

func (f *FakeLoopService) SetManual(on bool) {
	f.SetManualCalled = true
	f.SetManualArg = on
	f.S.Manual = on
}

func (f *FakeLoopService) SetGains(g pid.Gains) error {
	f.SetGainsCalled = true
	f.SetGainsArg = g
	if f.SetGainsErr != nil {
		return f.SetGainsErr
	}
	f.S.Gains = g
	return nil
}

func (f *FakeLoopService) SetDeadband(db float64, on bool) error {
	f.SetDeadbandCalled = true
	f.SetDeadbandArg = db
	f.SetDeadbandOnArg = on
	if f.SetDeadbandErr != nil {
		return f.SetDeadbandErr
	}
	f.S.Deadband = db
	f.S.DeadbandOn = on
	return nil
}

func (f *FakeLoopService) SetOutputLimits(low, high float64) error {
	f.SetOutputLimitsCalled = true
	f.SetOutputLimitsArg = pid.Limits{Low: low, High: high}
	if f.SetOutputLimitsErr != nil {
		return f.SetOutputLimitsErr
	}
	f.S.OutputLimits = pid.Limits{Low: low, High: high}
	return nil
}

func (f *FakeLoopService) SetSetpointLimits(low, high float64) error {
	f.SetSetpointLimitsCalled = true
	f.SetSetpointLimitsArg = pid.Limits{Low: low, High: high}
	if f.SetSetpointLimitsErr != nil {
		return f.SetSetpointLimitsErr
	}
	f.S.SetpointLimits = pid.Limits{Low: low, High: high}
	return nil
}

func (f *FakeLoopService) SetProcessLimits(low, high float64) error {
	f.SetProcessLimitsCalled = true
	f.SetProcessLimitsArg = pid.Limits{Low: low, High: high}
	if f.SetProcessLimitsErr != nil {
		return f.SetProcessLimitsErr
	}
	f.S.ProcessLimits = pid.Limits{Low: low, High: high}
	return nil
}

func (f *FakeLoopService) SetMinInterval(us uint64) error {
	f.SetMinIntervalCalled = true
	f.SetMinIntervalArg = us
	if f.SetMinIntervalErr != nil {
		return f.SetMinIntervalErr
	}
	f.S.MinInterval = us
	return nil
}
