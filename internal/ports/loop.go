package ports

import (
	"github.com/procwise/pidloop/internal/loop"
	"github.com/procwise/pidloop/internal/pid"
)

// LoopService is the control-plane port used by controllers (HTTP/MQTT/etc).
type LoopService interface {
	Get() loop.Snapshot
	SetProcessValue(float64)
	SetSetpoint(float64) error
	SetTieback(float64)
	SetManual(bool)
	SetGains(pid.Gains) error
	SetDeadband(db float64, on bool) error
	SetOutputLimits(low, high float64) error
	SetSetpointLimits(low, high float64) error
	SetProcessLimits(low, high float64) error
	SetMinInterval(uint64) error
}
