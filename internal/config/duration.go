package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
)

// Duration parses an optional duration field. Empty means zero; a bare
// number is read as seconds ("90" == "90s").
func Duration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseutil.ParseDurationSecond(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. 30s, 5m, 1h30m)", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// DurationOr is Duration with def substituted for an empty or zero value.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
