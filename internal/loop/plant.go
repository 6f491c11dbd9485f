package loop

import "time"

// PlantParams describes a first-order process driven by the control output.
type PlantParams struct {
	Gain         float64 // steady-state process change per unit of drive
	TimeConstant float64 // seconds, > 0
	Ambient      float64 // value the process relaxes to with zero drive
}

func (params *PlantParams) Validate() error {
	if params.TimeConstant <= 0 {
		return ErrNonPositiveTimeConst
	}
	return nil
}

// Plant is a first-order lag model used to close the loop without hardware.
type Plant struct {
	params PlantParams
}

func NewPlant(params PlantParams) (*Plant, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Plant{params: params}, nil
}

// Delta returns the process value change over dt given the current value and
// drive.
func (p *Plant) Delta(value, drive float64, dt time.Duration) float64 {
	target := p.params.Ambient + p.params.Gain*drive
	return (target - value) / p.params.TimeConstant * dt.Seconds()
}
