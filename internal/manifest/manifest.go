package manifest

import (
	"fmt"
	"math"
	"time"
)

// ParamKind is the declared type of an operation parameter.
type ParamKind string

const (
	KindString ParamKind = "string"
	KindInt    ParamKind = "int"
	KindFloat  ParamKind = "float"
	KindBool   ParamKind = "bool"
	KindEnum   ParamKind = "enum"
)

// ParamSpec describes one operation parameter: its type and admissible range.
type ParamSpec struct {
	Name     string    `yaml:"name"`
	Kind     ParamKind `yaml:"kind"`
	Required bool      `yaml:"required,omitempty"`
	Min      *float64  `yaml:"min,omitempty"`
	Max      *float64  `yaml:"max,omitempty"`
	Enum     []string  `yaml:"enum,omitempty"`
}

// Check validates a submitted parameter value against the descriptor.
// JSON-decoded numbers arrive as float64.
func (p ParamSpec) Check(value any) error {
	switch p.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("parameter %q: want string, got %T", p.Name, value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("parameter %q: want bool, got %T", p.Name, value)
		}
	case KindInt:
		f, ok := numeric(value)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("parameter %q: want integer, got %v", p.Name, value)
		}
		return p.checkRange(f)
	case KindFloat:
		f, ok := numeric(value)
		if !ok {
			return fmt.Errorf("parameter %q: want number, got %T", p.Name, value)
		}
		return p.checkRange(f)
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("parameter %q: want one of %v, got %T", p.Name, p.Enum, value)
		}
		for _, e := range p.Enum {
			if e == s {
				return nil
			}
		}
		return fmt.Errorf("parameter %q: %q not in %v", p.Name, s, p.Enum)
	default:
		return fmt.Errorf("parameter %q: unknown kind %q", p.Name, p.Kind)
	}
	return nil
}

func (p ParamSpec) checkRange(f float64) error {
	if p.Min != nil && f < *p.Min {
		return fmt.Errorf("parameter %q: %v below minimum %v", p.Name, f, *p.Min)
	}
	if p.Max != nil && f > *p.Max {
		return fmt.Errorf("parameter %q: %v above maximum %v", p.Name, f, *p.Max)
	}
	return nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Operation describes one executable command a service offers, keyed by its
// program name.
type Operation struct {
	Program string      `yaml:"program"`
	Params  []ParamSpec `yaml:"params,omitempty"`

	// Deterministic operations are eligible for result caching under CacheTTL.
	Deterministic bool          `yaml:"deterministic,omitempty"`
	CacheTTL      time.Duration `yaml:"cache_ttl,omitempty"`

	// Timeout bounds a single execution; the sweeper reaps overdue steps.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// IndexedOutputs marks producers emitting an indexed output set
	// (name[0], name[1], ...). FanOut marks consumers the planner may
	// materialize as one instance per indexed element.
	IndexedOutputs bool `yaml:"indexed_outputs,omitempty"`
	FanOut         bool `yaml:"fan_out,omitempty"`

	ExpectedOutputs int `yaml:"expected_outputs,omitempty"`
}

// Param returns the descriptor for a named parameter.
func (o Operation) Param(name string) (ParamSpec, bool) {
	for _, p := range o.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Service is the manifest for one worker service.
type Service struct {
	Name       string                `yaml:"name"`
	MaxTimeout time.Duration         `yaml:"max_timeout,omitempty"`
	Operations map[string]*Operation `yaml:"operations"`
}

// Operation returns the operation for a program name.
func (s *Service) Operation(program string) (*Operation, bool) {
	op, ok := s.Operations[program]
	return op, ok
}

// EffectiveTimeout is the operation timeout clamped to the service ceiling.
func (s *Service) EffectiveTimeout(op *Operation, globalCeiling time.Duration) time.Duration {
	t := op.Timeout
	if t <= 0 {
		t = globalCeiling
	}
	if s.MaxTimeout > 0 && t > s.MaxTimeout {
		t = s.MaxTimeout
	}
	if globalCeiling > 0 && t > globalCeiling {
		t = globalCeiling
	}
	return t
}
