package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DEOS-Org/biosync/internal/config"
	"github.com/DEOS-Org/biosync/internal/sensor"
)

// Scenario is one device run with its expectations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is layered on config.Default by LoadScenario and
	// ParseScenario. Store and transport settings are ignored.
	Config config.Config `yaml:"config"`

	// Authority seeds the stub authority.
	Authority AuthoritySeed `yaml:"authority,omitempty"`

	// Local identities are enrolled on the device before the first step.
	Local []Identity `yaml:"local,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked against the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// AuthoritySeed is the stub authority's initial data.
type AuthoritySeed struct {
	Identities []Identity `yaml:"identities"`
}

// Identity is an identity seeded on the authority or the device.
type Identity struct {
	UserID     int64  `yaml:"user_id"`
	ExternalID string `yaml:"external_id,omitempty"`
	Name       string `yaml:"name,omitempty"`
	Role       string `yaml:"role,omitempty"`
	Slot       int    `yaml:"slot,omitempty"`
	Quality    int    `yaml:"quality,omitempty"`
	Template   string `yaml:"template,omitempty"`
	// SyncState applies to local identities only.
	SyncState string `yaml:"sync_state,omitempty"`
}

// Link and authority switch values.
const (
	Up   = "up"
	Down = "down"
)

// Step is one stimulus followed by one or more loop iterations.
type Step struct {
	Name string `yaml:"name"`

	// Link sets the transport link up or down.
	Link string `yaml:"link,omitempty"`

	// Authority makes the stub answer normally (up) or 503 everywhere (down).
	Authority string `yaml:"authority,omitempty"`

	// FailEvents makes the next n event deliveries answer 500.
	FailEvents int `yaml:"fail_events,omitempty"`

	// Capture is queued on the sensor.
	Capture *sensor.CaptureStep `yaml:"capture,omitempty"`

	// Enroll is queued on the sensor for the next enrollment attempt.
	Enroll *sensor.EnrollStep `yaml:"enroll,omitempty"`

	// Command is JSON encoded and injected on the commands topic.
	Command map[string]any `yaml:"command,omitempty"`

	// Advance moves the clock before the iterations run.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Ticks is the number of loop iterations. Zero means one.
	Ticks int `yaml:"ticks,omitempty"`
}

func (s Step) ticks() int {
	if s.Ticks <= 0 {
		return 1
	}
	return s.Ticks
}

// Assertion checks one property of the final state. Which fields apply
// depends on Type.
type Assertion struct {
	Type string `yaml:"type"`

	State     string `yaml:"state,omitempty"`
	Count     *int   `yaml:"count,omitempty"`
	UserID    int64  `yaml:"user_id,omitempty"`
	Slot      int    `yaml:"slot,omitempty"`
	Role      string `yaml:"role,omitempty"`
	SyncState string `yaml:"sync_state,omitempty"`
	EventType string `yaml:"event_type,omitempty"`
	Kind      string `yaml:"kind,omitempty"`
	Command   string `yaml:"command,omitempty"`
	Success   *bool  `yaml:"success,omitempty"`

	Signals []string `yaml:"signals,omitempty"`
}

// Assertion type constants.
const (
	AssertState           = "state"
	AssertQueueLen        = "queue_len"
	AssertCacheLen        = "cache_len"
	AssertCacheHas        = "cache_has"
	AssertCacheMissing    = "cache_missing"
	AssertAuthorityEvents = "authority_events"
	AssertSignals         = "signals"
	AssertReports         = "reports"
	AssertCommandResult   = "command_result"
	AssertSyncs           = "syncs"
)

// NewScenario returns an empty scenario with the default configuration.
func NewScenario(name string) *Scenario {
	return &Scenario{Name: name, Config: config.Default()}
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// ParseScenario decodes a scenario and validates it.
func ParseScenario(data []byte) (*Scenario, error) {
	sc := NewScenario("")
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return sc, nil
}

// validateScenario checks required fields and value ranges.
func validateScenario(s *Scenario) error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	for i, id := range s.Authority.Identities {
		if id.UserID <= 0 {
			errs = append(errs, fmt.Errorf("authority.identities[%d]: user_id is required", i))
		}
	}
	for i, id := range s.Local {
		if id.UserID <= 0 || id.Slot <= 0 {
			errs = append(errs, fmt.Errorf("local[%d]: user_id and slot are required", i))
		}
	}
	for i, st := range s.Steps {
		if !validSwitch(st.Link) {
			errs = append(errs, fmt.Errorf("steps[%d]: link must be up or down, got %q", i, st.Link))
		}
		if !validSwitch(st.Authority) {
			errs = append(errs, fmt.Errorf("steps[%d]: authority must be up or down, got %q", i, st.Authority))
		}
		if st.Advance < 0 || st.Ticks < 0 || st.FailEvents < 0 {
			errs = append(errs, fmt.Errorf("steps[%d]: advance, ticks and fail_events cannot be negative", i))
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			errs = append(errs, fmt.Errorf("assertions[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func validSwitch(v string) bool {
	return v == "" || v == Up || v == Down
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertState:
		if a.State == "" {
			return errors.New("state requires state")
		}
	case AssertQueueLen, AssertCacheLen, AssertSyncs:
		if a.Count == nil {
			return fmt.Errorf("%s requires count", a.Type)
		}
	case AssertCacheHas, AssertCacheMissing:
		if a.UserID <= 0 {
			return fmt.Errorf("%s requires user_id", a.Type)
		}
	case AssertAuthorityEvents:
		if a.Count == nil {
			return errors.New("authority_events requires count")
		}
	case AssertSignals:
		if len(a.Signals) == 0 {
			return errors.New("signals requires signals")
		}
	case AssertReports:
		if a.Kind == "" || a.Count == nil {
			return errors.New("reports requires kind and count")
		}
	case AssertCommandResult:
		if a.Command == "" {
			return errors.New("command_result requires command")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
