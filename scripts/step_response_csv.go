package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/procwise/pidloop/internal/loop"
	"github.com/procwise/pidloop/internal/pid"
)

type SetpointCommand struct {
	IterationNumber int
	Value           float64
}

// SimulateStepResponse runs the controller against the first-order plant with
// synthetic timestamps, one step per iteration, and writes the trajectory to
// a CSV file for plotting.
func SimulateStepResponse(iterations int, stepInterval time.Duration, filename string, setpointCommands []SetpointCommand) error {
	initial := loop.Snapshot{
		ProcessValue:   0,
		Setpoint:       0,
		Manual:         false,
		Gains:          pid.Gains{Kp: 1.0, Ki: 0.5, Kd: 0.0},
		OutputLimits:   pid.Limits{Low: 0, High: 10},
		SetpointLimits: pid.Limits{Low: 0, High: 5},
	}

	l, err := loop.New(initial)
	if err != nil {
		return fmt.Errorf("failed to create loop: %v", err)
	}

	plant, err := loop.NewPlant(loop.PlantParams{
		Gain:         1.0,
		TimeConstant: 2.0,
		Ambient:      0,
	})
	if err != nil {
		return fmt.Errorf("failed to create plant: %v", err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"Time", "Setpoint", "ProcessValue", "Output"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for i := range iterations {
		for _, cmd := range setpointCommands {
			if cmd.IterationNumber == i+1 {
				if err := l.SetSetpoint(cmd.Value); err != nil {
					return fmt.Errorf("failed to update setpoint: %v", err)
				}
				break
			}
		}

		// synthetic clock: one stepInterval per iteration
		ts := uint64(i+1) * uint64(stepInterval.Microseconds())
		if err := l.StepAt(ts); err != nil {
			return fmt.Errorf("failed to step controller: %v", err)
		}

		snap := l.Get()
		l.SetProcessValue(snap.ProcessValue + plant.Delta(snap.ProcessValue, snap.Output, stepInterval))

		if err := writer.Write([]string{
			fmt.Sprintf("%.3f", (time.Duration(i+1) * stepInterval).Seconds()),
			fmt.Sprintf("%.4f", snap.Setpoint),
			fmt.Sprintf("%.4f", snap.ProcessValue),
			fmt.Sprintf("%.4f", snap.Output),
		}); err != nil {
			return fmt.Errorf("failed to write CSV record: %v", err)
		}
	}

	return nil
}

func main() {
	commands := []SetpointCommand{
		{
			IterationNumber: 100,
			Value:           1.0,
		},
		{
			IterationNumber: 1500,
			Value:           3.0,
		},
	}
	SimulateStepResponse(3000, 10*time.Millisecond, "step_response.csv", commands)
}
