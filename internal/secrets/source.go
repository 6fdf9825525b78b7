package secrets

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
)

// Source looks up a single secret. A missing value is ("", false, nil).
type Source interface {
	Lookup(n Name) (string, bool, error)
}

// Load reads every secret from src and builds a Set.
func Load(src Source) (Set, error) {
	vals := make(map[Name]string, len(Names))
	for _, n := range Names {
		v, ok, err := src.Lookup(n)
		if err != nil {
			return Set{}, fmt.Errorf("secrets: lookup %s: %w", n, err)
		}
		if ok {
			vals[n] = v
		}
	}
	return New(vals)
}

// EnvSource reads the process environment.
type EnvSource struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (s EnvSource) Lookup(n Name) (string, bool, error) {
	fn := s.LookupEnv
	if fn == nil {
		fn = os.LookupEnv
	}
	v, ok := fn(string(n))
	return v, ok, nil
}

// FileSource is a TOML credentials file with one key per secret:
//
//	USERNAME = "jane"
//	PASSWORD = "..."
//
// Keys other than the seven names are rejected.
type FileSource struct {
	vals     map[Name]string
	insecure bool
}

func LoadFile(path string) (*FileSource, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("secrets file: %w", err)
	}

	raw := map[string]string{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("secrets file: %w", err)
	}

	fs := &FileSource{
		vals:     make(map[Name]string, len(raw)),
		insecure: st.Mode().Perm()&0o077 != 0,
	}
	var unknown []string
	for k, v := range raw {
		n := Name(strings.ToUpper(strings.TrimSpace(k)))
		if !IsKnown(n) {
			unknown = append(unknown, k)
			continue
		}
		fs.vals[n] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("secrets file: unknown keys %s", strings.Join(unknown, ", "))
	}
	return fs, nil
}

// Insecure reports whether the file is readable by group or others.
func (s *FileSource) Insecure() bool { return s.insecure }

func (s *FileSource) Lookup(n Name) (string, bool, error) {
	v, ok := s.vals[n]
	return v, ok, nil
}

// RefSource overrides single secrets with "env://NAME" or "file:///path"
// references and falls back to Base for everything else.
type RefSource struct {
	Base Source
	Refs map[Name]string
}

var ErrLiteralRef = errors.New("secret reference must be env:// or file://")

func (s RefSource) Lookup(n Name) (string, bool, error) {
	ref, ok := s.Refs[n]
	if !ok {
		if s.Base == nil {
			return "", false, nil
		}
		return s.Base.Lookup(n)
	}
	v, err := parseutil.MustParsePath(ref)
	if err != nil {
		if errors.Is(err, parseutil.ErrNotAUrl) {
			return "", false, ErrLiteralRef
		}
		return "", false, err
	}
	return v, v != "", nil
}

// SourceConfig mirrors the secrets config section.
type SourceConfig struct {
	Source string
	File   string
	Refs   map[string]string
}

// NewSource builds the Source described by cfg.
func NewSource(cfg SourceConfig) (Source, error) {
	var base Source
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "", "env":
		base = EnvSource{}
	case "file":
		fs, err := LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		base = fs
	default:
		return nil, fmt.Errorf("secrets: unknown source %q", cfg.Source)
	}
	if len(cfg.Refs) == 0 {
		return base, nil
	}

	refs := make(map[Name]string, len(cfg.Refs))
	for k, v := range cfg.Refs {
		n := Name(strings.ToUpper(strings.TrimSpace(k)))
		if !IsKnown(n) {
			return nil, fmt.Errorf("secrets: unknown ref name %q", k)
		}
		refs[n] = v
	}
	return RefSource{Base: base, Refs: refs}, nil
}
