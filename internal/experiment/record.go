// Package experiment persists finished missions: the conversation transcript
// and a metadata object as sibling JSON files per experiment, plus a SQLite
// index of every run for later statistics.
package experiment

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/haricheung/stlpilot/internal/mission"
	"github.com/haricheung/stlpilot/internal/types"
)

// Record is everything Save needs about one finished mission.
type Record struct {
	Scenario string
	Model    string  // text-generation model name
	THorizon float64 // initial horizon in seconds
	Config   mission.Config
	Result   mission.Result
}

// Metadata is the <id>_METADATA.json document.
type Metadata struct {
	ID                           int     `json:"experiment_id"`
	MissionID                    string  `json:"mission_id"`
	Scenario                     string  `json:"scenario_name"`
	Accomplished                 *bool   `json:"task_accomplished"`
	UserMessageCount             int     `json:"user_message_count"`
	MessageCount                 int     `json:"message_count"`
	Model                        string  `json:"GPT_version"`
	SyntaxCheckerEnabled         bool    `json:"syntax_checker_enabled"`
	SpecCheckerEnabled           bool    `json:"spec_checker_enabled"`
	DynamiclessCheckEnabled      bool    `json:"dynamicless_check_enabled"`
	ManualSpecCheckEnabled       bool    `json:"manual_spec_check_enabled"`
	ManualTrajectoryCheckEnabled bool    `json:"manual_trajectory_check_enabled"`
	SyntaxCheckLimit             int     `json:"syntax_check_limit"`
	SpecCheckLimit               int     `json:"spec_check_limit"`
	MaxIterations                int     `json:"max_iterations"`
	MaxAcc                       float64 `json:"max_acc"`
	MaxSpeed                     float64 `json:"max_speed"`
	Tolerance                    float64 `json:"tolerance"`
	TInitial                     float64 `json:"T_initial"`
	TFinal                       float64 `json:"T_final"`
	Dt                           float64 `json:"dt"`
	Segments                     int     `json:"segments"`
	Steps                        int     `json:"steps"`
	Iterations                   int     `json:"iterations"`
	Reason                       string  `json:"termination_reason"`
}

// NewMetadata derives the metadata document for rec under experiment id.
func NewMetadata(id int, rec Record) Metadata {
	users := 0
	for _, m := range rec.Result.History {
		if m.Role == types.ChatUser {
			users++
		}
	}
	c := rec.Config
	return Metadata{
		ID:                           id,
		MissionID:                    rec.Result.MissionID,
		Scenario:                     rec.Scenario,
		Accomplished:                 rec.Result.Accomplished,
		UserMessageCount:             users,
		MessageCount:                 len(rec.Result.History),
		Model:                        rec.Model,
		SyntaxCheckerEnabled:         c.SyntaxCheckerEnabled,
		SpecCheckerEnabled:           c.SpecCheckerEnabled,
		DynamiclessCheckEnabled:      c.DynamiclessCheckEnabled,
		ManualSpecCheckEnabled:       c.ManualSpecCheck,
		ManualTrajectoryCheckEnabled: c.ManualTrajectoryCheck,
		SyntaxCheckLimit:             c.SyntaxCheckLimit,
		SpecCheckLimit:               c.SpecCheckLimit,
		MaxIterations:                c.MaxIterations,
		MaxAcc:                       c.MaxAcc,
		MaxSpeed:                     c.MaxSpeed,
		Tolerance:                    c.Tolerance,
		TInitial:                     rec.THorizon,
		TFinal:                       rec.Result.Horizon,
		Dt:                           c.Dt,
		Segments:                     len(rec.Result.Segments),
		Steps:                        rec.Result.Trajectory.Steps(),
		Iterations:                   rec.Result.Iterations,
		Reason:                       rec.Result.Reason,
	}
}

// Save writes <id>_messages.json and <id>_METADATA.json under
// <dir>/<scenario>/, where id is one more than the highest id already there.
//
// Expectations:
//   - Creates the scenario directory when absent
//   - First experiment in an empty directory gets id 1
//   - Ids continue from the highest existing id, ignoring unrelated files
//   - The messages file holds the role-tagged conversation; an empty history is written as []
func Save(dir string, rec Record) (Metadata, error) {
	if rec.Scenario == "" {
		return Metadata{}, fmt.Errorf("experiment: record has no scenario")
	}
	sdir := filepath.Join(dir, rec.Scenario)
	if err := os.MkdirAll(sdir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("experiment: create %s: %w", sdir, err)
	}
	id, err := nextID(sdir)
	if err != nil {
		return Metadata{}, err
	}

	history := rec.Result.History
	if history == nil {
		history = []types.ChatMessage{}
	}
	if err := writeJSON(filepath.Join(sdir, fmt.Sprintf("%d_messages.json", id)), history); err != nil {
		return Metadata{}, err
	}
	md := NewMetadata(id, rec)
	if err := writeJSON(filepath.Join(sdir, fmt.Sprintf("%d_METADATA.json", id)), md); err != nil {
		return Metadata{}, err
	}
	slog.Info("[EXPERIMENT] saved", "dir", sdir, "id", id, "accomplished", md.Accomplished)
	return md, nil
}

func nextID(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("experiment: list %s: %w", dir, err)
	}
	highest := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(prefix); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("experiment: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("experiment: write %s: %w", path, err)
	}
	return nil
}
