// Package modes holds the catalog of ALICE personas: their persona text,
// content restrictions and generation parameters.
package modes

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	ErrModeNotFound  = errors.New("mode not found")
	ErrDuplicateMode = errors.New("mode already registered")
	ErrNotBuiltin    = errors.New("mode is not a built-in")
	ErrInvalidMode   = errors.New("invalid mode")
)

type SafetyLevel string

const (
	SafetyStrict   SafetyLevel = "strict"
	SafetyModerate SafetyLevel = "moderate"
	SafetyRelaxed  SafetyLevel = "relaxed"
)

var modeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// GenerationParams are the sampling settings handed to the generator.
// A nil field means "use the backend default".
type GenerationParams struct {
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens         *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty,omitempty"`
	Stop              []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

func Float(v float64) *float64 { return &v }
func Int(v int) *int { return &v }

func (p GenerationParams) Validate() error {
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("%w: temperature %.2f outside [0, 2]", ErrInvalidMode, *p.Temperature)
	}
	if p.TopP != nil && (*p.TopP <= 0 || *p.TopP > 1) {
		return fmt.Errorf("%w: top_p %.2f outside (0, 1]", ErrInvalidMode, *p.TopP)
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidMode)
	}
	if p.RepetitionPenalty != nil && *p.RepetitionPenalty <= 0 {
		return fmt.Errorf("%w: repetition_penalty must be positive", ErrInvalidMode)
	}
	for _, s := range p.Stop {
		if s == "" {
			return fmt.Errorf("%w: empty stop sequence", ErrInvalidMode)
		}
	}
	return nil
}

// Merge returns p with every field set in over replacing the corresponding field.
func (p GenerationParams) Merge(over GenerationParams) GenerationParams {
	out := p.clone()
	if over.Temperature != nil {
		out.Temperature = Float(*over.Temperature)
	}
	if over.TopP != nil {
		out.TopP = Float(*over.TopP)
	}
	if over.MaxTokens != nil {
		out.MaxTokens = Int(*over.MaxTokens)
	}
	if over.RepetitionPenalty != nil {
		out.RepetitionPenalty = Float(*over.RepetitionPenalty)
	}
	if len(over.Stop) > 0 {
		out.Stop = slices.Clone(over.Stop)
	}
	return out
}

func (p GenerationParams) clone() GenerationParams {
	out := GenerationParams{Stop: slices.Clone(p.Stop)}
	if p.Temperature != nil {
		out.Temperature = Float(*p.Temperature)
	}
	if p.TopP != nil {
		out.TopP = Float(*p.TopP)
	}
	if p.MaxTokens != nil {
		out.MaxTokens = Int(*p.MaxTokens)
	}
	if p.RepetitionPenalty != nil {
		out.RepetitionPenalty = Float(*p.RepetitionPenalty)
	}
	return out
}

// Mode is a named persona. Sessions reference modes by Name only.
type Mode struct {
	Name         string           `json:"name" yaml:"name"`
	DisplayName  string           `json:"display_name" yaml:"display_name"`
	Personality  string           `json:"personality" yaml:"personality"`
	Style        string           `json:"style" yaml:"style"`
	Restrictions []string         `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
	Greeting     string           `json:"greeting,omitempty" yaml:"greeting,omitempty"`
	Safety       SafetyLevel      `json:"safety" yaml:"safety"`
	Params       GenerationParams `json:"params" yaml:"params"`

	builtin bool
}

// Builtin reports whether the mode name belongs to the seeded catalog.
func (m Mode) Builtin() bool { return m.builtin }

func (m Mode) clone() Mode {
	out := m
	out.Restrictions = slices.Clone(m.Restrictions)
	out.Params = m.Params.clone()
	return out
}

// normalize fills defaults and validates the mode.
func (m Mode) normalize() (Mode, error) {
	m.Name = strings.TrimSpace(m.Name)
	if !modeNamePattern.MatchString(m.Name) {
		return Mode{}, fmt.Errorf("%w: name %q must match %s", ErrInvalidMode, m.Name, modeNamePattern.String())
	}
	if strings.TrimSpace(m.Personality) == "" {
		return Mode{}, fmt.Errorf("%w: %s: personality is required", ErrInvalidMode, m.Name)
	}
	if m.DisplayName == "" {
		m.DisplayName = "ALICE " + strings.ReplaceAll(m.Name, "_", " ")
	}
	switch m.Safety {
	case "":
		m.Safety = SafetyModerate
	case SafetyStrict, SafetyModerate, SafetyRelaxed:
	default:
		return Mode{}, fmt.Errorf("%w: %s: unknown safety level %q", ErrInvalidMode, m.Name, m.Safety)
	}
	if err := m.Params.Validate(); err != nil {
		return Mode{}, fmt.Errorf("%s: %w", m.Name, err)
	}
	out := m.clone()
	if len(out.Restrictions) == 0 {
		out.Restrictions = nil
	}
	if len(out.Params.Stop) == 0 {
		out.Params.Stop = nil
	}
	return out, nil
}
