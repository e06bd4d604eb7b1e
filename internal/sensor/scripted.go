package sensor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Script describes what a Scripted reader returns, in order.
//
//	captures:
//	  - {kind: match, slot: 3, confidence: 92}
//	  - {kind: no_match}
//	enrolls:
//	  - {quality: 80, captured: true}
//	fail_delete: [7]
type Script struct {
	Captures   []CaptureStep `yaml:"captures"`
	Enrolls    []EnrollStep  `yaml:"enrolls"`
	FailDelete []int         `yaml:"fail_delete"`
	FailStore  []int         `yaml:"fail_store"`
}

// CaptureStep is one scripted capture.
type CaptureStep struct {
	Kind       string `yaml:"kind"`
	Slot       int    `yaml:"slot"`
	Confidence int    `yaml:"confidence"`
	Error      string `yaml:"error"`
}

// EnrollStep is one scripted enrollment.
type EnrollStep struct {
	Quality  int    `yaml:"quality"`
	Captured bool   `yaml:"captured"`
	Error    string `yaml:"error"`
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("parse sensor script: %w", err)
	}
	for i, c := range s.Captures {
		if _, err := parseKind(c.Kind); err != nil {
			return Script{}, fmt.Errorf("parse sensor script: capture %d: %w", i, err)
		}
	}
	return s, nil
}

// LoadScript reads and decodes a YAML script file.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read sensor script: %w", err)
	}
	return ParseScript(data)
}

func parseKind(s string) (CaptureKind, error) {
	switch s {
	case "match":
		return Match, nil
	case "no_match":
		return NoMatch, nil
	case "", "no_finger":
		return NoFinger, nil
	default:
		return NoFinger, fmt.Errorf("unknown capture kind %q", s)
	}
}

// Scripted replays queued captures and enrollments and records template
// traffic. Once the queues run dry it behaves like Idle.
type Scripted struct {
	mu         sync.Mutex
	captures   []CaptureStep
	enrolls    []EnrollStep
	failDelete map[int]error
	failStore  map[int]error
	templates  map[int][]byte
	deleted    []int
}

// NewScripted returns a reader primed with script.
func NewScripted(script Script) *Scripted {
	s := &Scripted{
		captures:   append([]CaptureStep(nil), script.Captures...),
		enrolls:    append([]EnrollStep(nil), script.Enrolls...),
		failDelete: make(map[int]error),
		failStore:  make(map[int]error),
		templates:  make(map[int][]byte),
	}
	for _, slot := range script.FailDelete {
		s.failDelete[slot] = fmt.Errorf("sensor refused delete of slot %d", slot)
	}
	for _, slot := range script.FailStore {
		s.failStore[slot] = fmt.Errorf("sensor refused template for slot %d", slot)
	}
	return s
}

// PushCapture queues a capture result.
func (s *Scripted) PushCapture(c Capture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, CaptureStep{Kind: c.Kind.String(), Slot: c.Slot, Confidence: c.Confidence})
}

// PushStep queues a capture described the way scripts describe it.
func (s *Scripted) PushStep(c CaptureStep) error {
	if _, err := parseKind(c.Kind); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, c)
	return nil
}

// PushEnroll queues an enrollment result.
func (s *Scripted) PushEnroll(quality int, captured bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step := EnrollStep{Quality: quality, Captured: captured}
	if err != nil {
		step.Error = err.Error()
	}
	s.enrolls = append(s.enrolls, step)
}

// FailDelete makes DeleteTemplate(slot) return err. A nil err clears it.
func (s *Scripted) FailDelete(slot int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failDelete, slot)
		return
	}
	s.failDelete[slot] = err
}

// FailStore makes StoreTemplate(slot) return err. A nil err clears it.
func (s *Scripted) FailStore(slot int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failStore, slot)
		return
	}
	s.failStore[slot] = err
}

// Pending returns the number of queued captures.
func (s *Scripted) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captures)
}

func (s *Scripted) Capture(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return Capture{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.captures) == 0 {
		return Capture{Kind: NoFinger}, nil
	}
	step := s.captures[0]
	s.captures = s.captures[1:]
	if step.Error != "" {
		return Capture{}, errors.New(step.Error)
	}
	kind, err := parseKind(step.Kind)
	if err != nil {
		return Capture{}, err
	}
	if kind != Match {
		return Capture{Kind: kind}, nil
	}
	return Capture{Kind: Match, Slot: step.Slot, Confidence: step.Confidence}, nil
}

func (s *Scripted) DeleteTemplate(_ context.Context, slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failDelete[slot]; err != nil {
		return err
	}
	delete(s.templates, slot)
	s.deleted = append(s.deleted, slot)
	return nil
}

func (s *Scripted) Enroll(_ context.Context, slot int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.enrolls) == 0 {
		return 0, false, nil
	}
	step := s.enrolls[0]
	s.enrolls = s.enrolls[1:]
	if step.Error != "" {
		return 0, false, errors.New(step.Error)
	}
	if step.Captured {
		s.templates[slot] = []byte(fmt.Sprintf("enrolled:%d", slot))
	}
	return step.Quality, step.Captured, nil
}

func (s *Scripted) StoreTemplate(_ context.Context, slot int, template []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failStore[slot]; err != nil {
		return err
	}
	s.templates[slot] = append([]byte(nil), template...)
	return nil
}

// Template returns the template held in slot.
func (s *Scripted) Template(slot int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[slot]
	return t, ok
}

// Deleted returns the slots deleted so far, in order.
func (s *Scripted) Deleted() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.deleted...)
}
