package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sevigo/invoice-relay/internal/core"
)

var (
	ErrSourcesNotFound = errors.New("sources file not found")
	ErrSourcesParsing  = errors.New("sources parsing failed")
)

// Signature schemes understood by the signature package.
const (
	SchemeTimestampedHMAC = "timestamped-hmac"
	SchemeHMAC            = "hmac"
	SchemeHub             = "hub"
	SchemeNone            = "none"
)

// SourceConfig is everything the pipeline knows about one event origin:
// how to authenticate it, where its fields live, and how to rank its events.
type SourceConfig struct {
	// Handler selects the job handler family (payments, accounting, messaging, submission).
	Handler string `yaml:"handler"`
	// Outbound sources are produced internally and have no webhook endpoint.
	Outbound bool `yaml:"outbound"`

	Scheme          string        `yaml:"scheme"`
	Secret          string        `yaml:"secret"`
	SignatureHeader string        `yaml:"signature_header"`
	TimestampHeader string        `yaml:"timestamp_header"`
	Encoding        string        `yaml:"encoding"`
	Prefix          string        `yaml:"prefix"`
	Tolerance       time.Duration `yaml:"tolerance"`
	AuditRejections bool          `yaml:"audit_rejections"`

	// SplitPath names an array in the body whose elements are separate
	// events, one job each. The field paths below are then relative to an
	// element.
	SplitPath string `yaml:"split_path"`

	// Field locations use gjson path syntax for the payload.
	KindPath    string `yaml:"kind_path"`
	KindHeader  string `yaml:"kind_header"`
	EventIDPath string `yaml:"event_id_path"`
	// EventIDPaths are joined with ":" when a single field does not identify
	// the event, e.g. resource id plus event time.
	EventIDPaths  []string `yaml:"event_id_paths"`
	EventIDHeader string   `yaml:"event_id_header"`
	TenantPath    string `yaml:"tenant_path"`
	TenantHeader  string `yaml:"tenant_header"`
	DefaultTenant string `yaml:"default_tenant"`

	DefaultPriority string            `yaml:"default_priority"`
	Priorities      map[string]string `yaml:"priorities"`
	MaxAttempts     int               `yaml:"max_attempts"`
}

// KeptHeaders lists the request headers persisted with a job so the
// signature can be checked again later.
func (s SourceConfig) KeptHeaders() []string {
	var out []string
	for _, h := range []string{s.SignatureHeader, s.TimestampHeader, s.EventIDHeader, s.KindHeader, s.TenantHeader} {
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// EventKeyPaths returns every payload path that contributes to the event key.
func (s SourceConfig) EventKeyPaths() []string {
	if s.EventIDPath == "" {
		return s.EventIDPaths
	}
	return append([]string{s.EventIDPath}, s.EventIDPaths...)
}

// CanonicalSource is the form source names are stored, routed and looked up in.
func CanonicalSource(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type sourcesFile struct {
	Sources map[string]SourceConfig `yaml:"sources"`
}

// Sources is the immutable per-source configuration table. It is built once
// at process start and shared by pointer with the verifier, the classifier
// and the handlers.
type Sources struct {
	byName map[string]SourceConfig
}

// NewSources validates and freezes a source table.
func NewSources(m map[string]SourceConfig) (*Sources, error) {
	byName := make(map[string]SourceConfig, len(m))
	for name, sc := range m {
		name = CanonicalSource(name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty source name", ErrSourcesParsing)
		}
		sc.Secret = os.ExpandEnv(sc.Secret)
		if sc.Scheme == "" {
			sc.Scheme = SchemeNone
		}
		if err := sc.validate(name); err != nil {
			return nil, err
		}
		priorities := make(map[string]string, len(sc.Priorities))
		for k, v := range sc.Priorities {
			priorities[k] = v
		}
		sc.Priorities = priorities
		sc.EventIDPaths = append([]string(nil), sc.EventIDPaths...)
		byName[name] = sc
	}
	return &Sources{byName: byName}, nil
}

func (s SourceConfig) validate(name string) error {
	switch s.Scheme {
	case SchemeNone:
	case SchemeTimestampedHMAC, SchemeHMAC, SchemeHub:
		if s.Secret == "" {
			return fmt.Errorf("%w: source %q uses %s but has no secret", ErrSourcesParsing, name, s.Scheme)
		}
		if s.SignatureHeader == "" {
			return fmt.Errorf("%w: source %q has no signature_header", ErrSourcesParsing, name)
		}
	default:
		return fmt.Errorf("%w: source %q has unknown scheme %q", ErrSourcesParsing, name, s.Scheme)
	}
	switch strings.ToLower(s.Encoding) {
	case "", "hex", "base64":
	default:
		return fmt.Errorf("%w: source %q has unknown encoding %q", ErrSourcesParsing, name, s.Encoding)
	}
	if _, err := core.ParsePriority(s.DefaultPriority); err != nil {
		return fmt.Errorf("%w: source %q: %w", ErrSourcesParsing, name, err)
	}
	for pattern, p := range s.Priorities {
		if _, err := core.ParsePriority(p); err != nil {
			return fmt.Errorf("%w: source %q pattern %q: %w", ErrSourcesParsing, name, pattern, err)
		}
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("%w: source %q has negative max_attempts", ErrSourcesParsing, name)
	}
	return nil
}

// LoadSources reads the per-source table from a YAML file.
func LoadSources(path string) (*Sources, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSourcesNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseSources(data)
}

// ParseSources decodes a YAML source table.
func ParseSources(data []byte) (*Sources, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourcesParsing, err)
	}
	return NewSources(f.Sources)
}

// Get returns the configuration of a source.
func (s *Sources) Get(name string) (SourceConfig, bool) {
	sc, ok := s.byName[CanonicalSource(name)]
	return sc, ok
}

// Names returns the configured source names in sorted order.
func (s *Sources) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of configured sources.
func (s *Sources) Len() int {
	return len(s.byName)
}
