package manifest

import (
	"fmt"
	"sync"
	"time"
)

// Registry holds the manifests of every known worker service.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

func NewRegistry() *Registry {
	return &Registry{services: map[string]*Service{}}
}

// WithBuiltins returns a registry preloaded with the stock audio services.
func WithBuiltins() *Registry {
	r := NewRegistry()
	for _, s := range builtinServices() {
		_ = r.Register(s)
	}
	return r
}

func (r *Registry) Register(s *Service) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("manifest: service name required")
	}
	if len(s.Operations) == 0 {
		return fmt.Errorf("manifest: service %q has no operations", s.Name)
	}
	for program, op := range s.Operations {
		if op.Program == "" {
			op.Program = program
		}
		if op.Program != program {
			return fmt.Errorf("manifest: service %q operation key %q does not match program %q", s.Name, program, op.Program)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[s.Name] = s
	return nil
}

// Service returns the manifest for a service name.
func (r *Registry) Service(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	return s, ok
}

// Operation resolves a (service, program) pair.
func (r *Registry) Operation(service, program string) (*Service, *Operation, bool) {
	s, ok := r.Service(service)
	if !ok {
		return nil, nil, false
	}
	op, ok := s.Operation(program)
	if !ok {
		return nil, nil, false
	}
	return s, op, true
}

func f64(v float64) *float64 { return &v }

// builtinServices mirrors the worker fleet the orchestrator ships with:
// librosa and flucoma analysis services plus an ffmpeg transcode service.
func builtinServices() []*Service {
	return []*Service{
		{
			Name:       "librosa_service",
			MaxTimeout: 15 * time.Minute,
			Operations: map[string]*Operation{
				"mfcc": {
					Program: "mfcc",
					Params: []ParamSpec{
						{Name: "n_mfcc", Kind: KindInt, Min: f64(1), Max: f64(128)},
						{Name: "sr", Kind: KindInt, Min: f64(8000), Max: f64(192000)},
						{Name: "hop_length", Kind: KindInt, Min: f64(1), Max: f64(65536)},
					},
					Deterministic:   true,
					CacheTTL:        24 * time.Hour,
					Timeout:         10 * time.Minute,
					FanOut:          true,
					ExpectedOutputs: 1,
				},
				"stft": {
					Program: "stft",
					Params: []ParamSpec{
						{Name: "n_fft", Kind: KindInt, Min: f64(32), Max: f64(65536)},
						{Name: "hop_length", Kind: KindInt, Min: f64(1), Max: f64(65536)},
						{Name: "window", Kind: KindEnum, Enum: []string{"hann", "hamming", "blackman"}},
					},
					Deterministic:   true,
					CacheTTL:        24 * time.Hour,
					Timeout:         10 * time.Minute,
					FanOut:          true,
					ExpectedOutputs: 1,
				},
				"onset_detect": {
					Program: "onset_detect",
					Params: []ParamSpec{
						{Name: "backtrack", Kind: KindBool},
						{Name: "units", Kind: KindEnum, Enum: []string{"frames", "samples", "time"}},
					},
					Deterministic:   true,
					CacheTTL:        24 * time.Hour,
					Timeout:         10 * time.Minute,
					ExpectedOutputs: 1,
				},
			},
		},
		{
			Name:       "flucoma_service",
			MaxTimeout: 20 * time.Minute,
			Operations: map[string]*Operation{
				"fluid-noveltyslice": {
					Program: "fluid-noveltyslice",
					Params: []ParamSpec{
						{Name: "threshold", Kind: KindFloat, Min: f64(0), Max: f64(1)},
						{Name: "kernelsize", Kind: KindInt, Min: f64(3), Max: f64(1001)},
						{Name: "feature", Kind: KindEnum, Enum: []string{"spectrum", "mfcc", "pitch", "loudness"}},
					},
					Deterministic:  true,
					CacheTTL:       24 * time.Hour,
					Timeout:        15 * time.Minute,
					IndexedOutputs: true,
				},
				"fluid-hpss": {
					Program: "fluid-hpss",
					Params: []ParamSpec{
						{Name: "harmfiltersize", Kind: KindInt, Min: f64(3), Max: f64(101)},
						{Name: "percfiltersize", Kind: KindInt, Min: f64(3), Max: f64(101)},
					},
					Deterministic:   true,
					CacheTTL:        24 * time.Hour,
					Timeout:         15 * time.Minute,
					ExpectedOutputs: 2,
				},
				"fluid-transients": {
					Program: "fluid-transients",
					Params: []ParamSpec{
						{Name: "order", Kind: KindInt, Min: f64(10), Max: f64(400)},
						{Name: "blocksize", Kind: KindInt, Min: f64(32), Max: f64(16384)},
					},
					Deterministic:   true,
					CacheTTL:        24 * time.Hour,
					Timeout:         15 * time.Minute,
					ExpectedOutputs: 2,
				},
			},
		},
		{
			Name:       "ffmpeg_service",
			MaxTimeout: 30 * time.Minute,
			Operations: map[string]*Operation{
				"ffmpeg": {
					Program: "ffmpeg",
					Params: []ParamSpec{
						{Name: "ar", Kind: KindInt, Min: f64(8000), Max: f64(192000)},
						{Name: "ac", Kind: KindInt, Min: f64(1), Max: f64(8)},
						{Name: "format", Kind: KindEnum, Enum: []string{"wav", "flac", "mp3", "ogg"}},
					},
					Deterministic:   true,
					CacheTTL:        12 * time.Hour,
					Timeout:         20 * time.Minute,
					ExpectedOutputs: 1,
				},
				"sox": {
					Program: "sox",
					Params: []ParamSpec{
						{Name: "gain", Kind: KindFloat, Min: f64(-60), Max: f64(60)},
						{Name: "rate", Kind: KindInt, Min: f64(8000), Max: f64(192000)},
					},
					Timeout:         20 * time.Minute,
					ExpectedOutputs: 1,
				},
			},
		},
	}
}
