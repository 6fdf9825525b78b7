// Package secrets holds the seven named credentials a job run receives.
//
// Values live only in memory. A Set never prints its values: String,
// GoString and MarshalJSON all redact.
package secrets

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Name string

const (
	Username        Name = "USERNAME"
	Password        Name = "PASSWORD"
	ClientID        Name = "CLIENT_ID"
	ClientSecret    Name = "CLIENT_SECRET"
	RefreshToken    Name = "REFRESH_TOKEN"
	PushoverToken   Name = "PUSHOVER_TOKEN"
	PushoverUserKey Name = "PUSHOVER_USER_KEY"
)

// Names is the complete, ordered list of secrets a job receives.
var Names = []Name{Username, Password, ClientID, ClientSecret, RefreshToken, PushoverToken, PushoverUserKey}

var ErrMissing = errors.New("secrets: missing")

// MissingError names every secret that is absent or empty.
type MissingError struct {
	Names []Name
}

func (e *MissingError) Error() string {
	parts := make([]string, len(e.Names))
	for i, n := range e.Names {
		parts[i] = string(n)
	}
	return "secrets: missing " + strings.Join(parts, ", ")
}

func (e *MissingError) Is(target error) bool { return target == ErrMissing }

// IsKnown reports whether n is one of the seven secret names.
func IsKnown(n Name) bool {
	for _, k := range Names {
		if k == n {
			return true
		}
	}
	return false
}

// Set is an immutable collection of the seven secrets.
type Set struct {
	vals map[Name]string
}

// New builds a Set. Every name in Names must be present and non-empty.
func New(vals map[Name]string) (Set, error) {
	var missing []Name
	cp := make(map[Name]string, len(Names))
	for _, n := range Names {
		v := vals[n]
		if strings.TrimSpace(v) == "" {
			missing = append(missing, n)
			continue
		}
		cp[n] = v
	}
	for n := range vals {
		if !IsKnown(n) {
			return Set{}, fmt.Errorf("secrets: unknown name %q", n)
		}
	}
	if len(missing) > 0 {
		return Set{}, &MissingError{Names: missing}
	}
	return Set{vals: cp}, nil
}

func (s Set) Get(n Name) string { return s.vals[n] }

func (s Set) IsZero() bool { return len(s.vals) == 0 }

// Env returns exactly the seven secrets as KEY=VALUE pairs, in Names order.
func (s Set) Env() []string {
	out := make([]string, 0, len(Names))
	for _, n := range Names {
		if v, ok := s.vals[n]; ok {
			out = append(out, string(n)+"="+v)
		}
	}
	return out
}

// Present lists the names held by s, sorted.
func (s Set) Present() []string {
	out := make([]string, 0, len(s.vals))
	for n := range s.vals {
		out = append(out, string(n))
	}
	sort.Strings(out)
	return out
}

func (s Set) String() string {
	return fmt.Sprintf("secrets.Set{%d redacted}", len(s.vals))
}

func (s Set) GoString() string { return s.String() }

func (s Set) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}
