package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// isYAML reports whether name selects the YAML decoder; everything else is JSON.
func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a single YAML document as JSON so both formats go
// through the same strict decoder. An empty document becomes {}.
func yamlToJSON(name string, data []byte) ([]byte, error) {
	base := filepath.Base(name)
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("decode %s: %w", base, err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: trailing data after first yaml document", base)
	}
	if doc == nil {
		return []byte("{}"), nil
	}

	j, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", base, err)
	}
	return j, nil
}

// stringKeys rewrites non-string mapping keys (42: x, true: y) so the tree
// can be marshaled as JSON.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range x {
			x[k] = stringKeys(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = stringKeys(val)
		}
		return x
	}
	return v
}
