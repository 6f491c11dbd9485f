package pid

import "errors"

var (
	ErrUnbound         = errors.New("process variable, setpoint and output cells must be bound")
	ErrLimitsSwapped   = errors.New("low limit above high limit, pair stored swapped")
	ErrGainOutOfRange  = errors.New("gain out of representable range")
	ErrDeadbandRange   = errors.New("deadband out of representable range")
	ErrZeroMinInterval = errors.New("minimum interval must be at least 1us")
)
