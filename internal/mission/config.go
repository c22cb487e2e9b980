package mission

import (
	"fmt"

	"github.com/haricheung/stlpilot/internal/dynamics"
	"github.com/haricheung/stlpilot/internal/region"
)

// Config holds every mission toggle and limit. It is built once from flags
// and passed by value; the loop never mutates it.
type Config struct {
	Dt        float64 // seconds per step
	MaxAcc    float64
	MaxSpeed  float64
	Tolerance float64 // region predicate margin

	HorizonIncrement float64 // seconds added to T on each syntax repair

	SyntaxCheckerEnabled    bool
	SpecCheckerEnabled      bool
	DynamiclessCheckEnabled bool
	ManualSpecCheck         bool
	ManualTrajectoryCheck   bool

	SyntaxCheckLimit int
	SpecCheckLimit   int
	MaxIterations    int

	// StopAfterSegments ends the mission once this many segments were
	// accepted. 0 means no limit.
	StopAfterSegments int
}

// DefaultConfig returns the planner defaults.
func DefaultConfig() Config {
	return Config{
		Dt:                      0.7,
		MaxAcc:                  10,
		MaxSpeed:                0.5,
		Tolerance:               region.DefaultTolerance,
		HorizonIncrement:        5,
		SyntaxCheckerEnabled:    false,
		SpecCheckerEnabled:      false,
		DynamiclessCheckEnabled: false,
		ManualSpecCheck:         true,
		ManualTrajectoryCheck:   true,
		SyntaxCheckLimit:        5,
		SpecCheckLimit:          5,
		MaxIterations:           40,
	}
}

// Validate rejects configurations the loop cannot run with.
//
// Expectations:
//   - Dt, MaxAcc and MaxSpeed must be positive
//   - Tolerance and HorizonIncrement must be non-negative
//   - Limits must be non-negative and MaxIterations positive
func (c Config) Validate() error {
	switch {
	case c.Dt <= 0:
		return fmt.Errorf("mission: dt must be positive, got %g", c.Dt)
	case c.MaxAcc <= 0:
		return fmt.Errorf("mission: max acceleration must be positive, got %g", c.MaxAcc)
	case c.MaxSpeed <= 0:
		return fmt.Errorf("mission: max speed must be positive, got %g", c.MaxSpeed)
	case c.Tolerance < 0:
		return fmt.Errorf("mission: tolerance must be non-negative, got %g", c.Tolerance)
	case c.HorizonIncrement < 0:
		return fmt.Errorf("mission: horizon increment must be non-negative, got %g", c.HorizonIncrement)
	case c.SyntaxCheckLimit < 0 || c.SpecCheckLimit < 0 || c.StopAfterSegments < 0:
		return fmt.Errorf("mission: limits must be non-negative")
	case c.MaxIterations <= 0:
		return fmt.Errorf("mission: max iterations must be positive, got %d", c.MaxIterations)
	}
	return nil
}

// Model builds the dynamics model the config describes.
func (c Config) Model() dynamics.Model {
	return dynamics.Build(c.Dt, c.MaxAcc, c.MaxSpeed)
}
