package lane

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vectorops/convoy/internal/mission"
)

// Profile declares one lane loaded from YAML: its identity, the mission
// type it produces, and the classifier heuristics the gateway matches
// requests against.
type Profile struct {
	// VPID is the lane identifier, e.g. "vp.coder.primary".
	VPID string `yaml:"vp_id"`

	// MissionType tags missions dispatched to this lane.
	MissionType string `yaml:"mission_type"`

	// Description describes what the lane specializes in.
	Description string `yaml:"description,omitempty"`

	// Keywords are inclusion heuristics; a request mentioning one is a
	// candidate for this lane. Matching is case-insensitive.
	Keywords []string `yaml:"keywords,omitempty"`

	// HandoffRoot is an optional shared project root mission workspaces
	// are overlaid onto.
	HandoffRoot string `yaml:"handoff_root,omitempty"`

	// Priority is the dispatch priority for missions on this lane;
	// lower claims first. Zero means the dispatcher default.
	Priority int `yaml:"priority,omitempty"`
}

// ProfileSet is the top-level structure of a lane profile file.
type ProfileSet struct {
	Lanes []Profile `yaml:"lanes"`
}

// ByVPID returns the profile for a lane, nil if none is declared.
func (p *ProfileSet) ByVPID(vpID string) *Profile {
	for i := range p.Lanes {
		if p.Lanes[i].VPID == vpID {
			return &p.Lanes[i]
		}
	}
	return nil
}

// LoadProfiles loads lane profiles from a YAML file.
// Supports both .yaml and .yml extensions.
// Performs environment variable interpolation using ${VAR} syntax.
func LoadProfiles(path string) (*ProfileSet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return LoadProfilesFromReader(file)
}

// LoadProfilesFromReader loads lane profiles from an io.Reader.
// This is useful for testing and reading from non-file sources.
func LoadProfilesFromReader(reader io.Reader) (*ProfileSet, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	content := os.ExpandEnv(string(data))

	var set ProfileSet
	decoder := yaml.NewDecoder(strings.NewReader(content))
	decoder.KnownFields(true) // Strict mode - fail on unknown fields

	if err := decoder.Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to parse lane profiles: %w", err)
	}

	if err := validateProfiles(&set); err != nil {
		return nil, err
	}

	return &set, nil
}

// validateProfiles validates the loaded profile set.
func validateProfiles(set *ProfileSet) error {
	if len(set.Lanes) == 0 {
		return mission.NewValidationError("at least one lane profile is required")
	}

	seen := make(map[string]struct{}, len(set.Lanes))
	for i := range set.Lanes {
		p := &set.Lanes[i]

		if p.VPID == "" {
			return mission.NewValidationError("lane profile requires a vp_id")
		}
		if _, dup := seen[p.VPID]; dup {
			return mission.NewValidationError(fmt.Sprintf("duplicate lane profile: %s", p.VPID))
		}
		seen[p.VPID] = struct{}{}

		if p.MissionType == "" {
			p.MissionType = "general_task"
		}
		if p.Priority < 0 {
			return mission.NewValidationError(fmt.Sprintf("lane %s: priority cannot be negative", p.VPID))
		}

		// Keywords are matched case-insensitively; normalize once here.
		for j, kw := range p.Keywords {
			p.Keywords[j] = strings.ToLower(strings.TrimSpace(kw))
		}
	}

	return nil
}
