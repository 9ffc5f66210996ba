package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileDoc is the on-disk shape of a manifest file. Durations are plain
// strings ("10m", "24h") so manifests stay hand-editable.
type fileDoc struct {
	Services []serviceDoc `yaml:"services"`
}

type serviceDoc struct {
	Name       string                   `yaml:"name"`
	MaxTimeout string                   `yaml:"max_timeout"`
	Operations map[string]*operationDoc `yaml:"operations"`
}

type operationDoc struct {
	Program         string      `yaml:"program"`
	Params          []ParamSpec `yaml:"params"`
	Deterministic   bool        `yaml:"deterministic"`
	CacheTTL        string      `yaml:"cache_ttl"`
	Timeout         string      `yaml:"timeout"`
	IndexedOutputs  bool        `yaml:"indexed_outputs"`
	FanOut          bool        `yaml:"fan_out"`
	ExpectedOutputs int         `yaml:"expected_outputs"`
}

// LoadFile registers every service declared in a YAML manifest file,
// overriding builtins of the same name.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	for _, sd := range doc.Services {
		svc, err := sd.toService()
		if err != nil {
			return fmt.Errorf("manifest: %s: %w", path, err)
		}
		if err := r.Register(svc); err != nil {
			return err
		}
	}
	return nil
}

// LoadDir loads every .yaml/.yml file in a directory. A missing directory
// is not an error; builtins remain in effect.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("manifest: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (sd serviceDoc) toService() (*Service, error) {
	maxT, err := parseDuration(sd.MaxTimeout)
	if err != nil {
		return nil, fmt.Errorf("service %q: max_timeout: %w", sd.Name, err)
	}
	ops := map[string]*Operation{}
	for name, od := range sd.Operations {
		ttl, err := parseDuration(od.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("service %q op %q: cache_ttl: %w", sd.Name, name, err)
		}
		timeout, err := parseDuration(od.Timeout)
		if err != nil {
			return nil, fmt.Errorf("service %q op %q: timeout: %w", sd.Name, name, err)
		}
		ops[name] = &Operation{
			Program:         od.Program,
			Params:          od.Params,
			Deterministic:   od.Deterministic,
			CacheTTL:        ttl,
			Timeout:         timeout,
			IndexedOutputs:  od.IndexedOutputs,
			FanOut:          od.FanOut,
			ExpectedOutputs: od.ExpectedOutputs,
		}
	}
	return &Service{Name: sd.Name, MaxTimeout: maxT, Operations: ops}, nil
}

func parseDuration(s string) (d time.Duration, err error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
