package loop

import (
	"testing"
	"time"
)

func TestPlantParamsValidate(t *testing.T) {
	ok := PlantParams{Gain: 1, TimeConstant: 2}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	bad := PlantParams{Gain: 1, TimeConstant: 0}
	if err := bad.Validate(); err != ErrNonPositiveTimeConst {
		t.Fatalf("Validate() = %v, want ErrNonPositiveTimeConst", err)
	}
	if _, err := NewPlant(bad); err != ErrNonPositiveTimeConst {
		t.Fatalf("NewPlant() = %v, want ErrNonPositiveTimeConst", err)
	}
}

func TestPlantDelta(t *testing.T) {
	p, err := NewPlant(PlantParams{Gain: 2, TimeConstant: 1, Ambient: 10})
	if err != nil {
		t.Fatalf("NewPlant: %v", err)
	}

	tests := []struct {
		name         string
		value, drive float64
		wantSign     int
	}{
		{"relaxes up toward ambient", 5, 0, 1},
		{"relaxes down toward ambient", 15, 0, -1},
		{"at rest at ambient", 10, 0, 0},
		{"drive raises the target", 10, 1, 1},
		{"negative drive lowers the target", 10, -1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Delta(tt.value, tt.drive, time.Second)
			switch {
			case tt.wantSign > 0 && d <= 0:
				t.Fatalf("Delta = %v, want > 0", d)
			case tt.wantSign < 0 && d >= 0:
				t.Fatalf("Delta = %v, want < 0", d)
			case tt.wantSign == 0 && d != 0:
				t.Fatalf("Delta = %v, want 0", d)
			}
		})
	}
}
