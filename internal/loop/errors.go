package loop

import "errors"

var (
	ErrInvalidLimits        = errors.New("invalid low/high limits")
	ErrSetpointOutOfRange   = errors.New("setpoint out of range")
	ErrInvalidInterval      = errors.New("sampling interval must be positive")
	ErrNonPositiveTimeConst = errors.New("plant time constant must be positive")
)
