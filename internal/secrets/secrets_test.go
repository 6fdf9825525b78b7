package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fullMap() map[Name]string {
	m := make(map[Name]string, len(Names))
	for _, n := range Names {
		m[n] = "v-" + strings.ToLower(string(n))
	}
	return m
}

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestNewReportsAllMissing(t *testing.T) {
	t.Parallel()
	m := fullMap()
	delete(m, Password)
	m[RefreshToken] = "  "

	_, err := New(m)
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
	var me *MissingError
	if !errors.As(err, &me) || len(me.Names) != 2 || me.Names[0] != Password || me.Names[1] != RefreshToken {
		t.Fatalf("missing = %+v", me)
	}
}

func TestSetEnvIsExactlySeven(t *testing.T) {
	t.Parallel()
	s, err := New(fullMap())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env := s.Env()
	if len(env) != len(Names) {
		t.Fatalf("env len = %d, want %d", len(env), len(Names))
	}
	for i, n := range Names {
		want := string(n) + "=v-" + strings.ToLower(string(n))
		if env[i] != want {
			t.Fatalf("env[%d] = %q, want %q", i, env[i], want)
		}
	}
}

func TestSetRedacts(t *testing.T) {
	t.Parallel()
	s, err := New(fullMap())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, _ := json.Marshal(map[string]any{"s": s})
	outputs := []string{fmt.Sprint(s), fmt.Sprintf("%v %+v %#v", s, s, s), string(b)}
	for _, out := range outputs {
		if strings.Contains(out, "v-password") || strings.Contains(out, "v-username") {
			t.Fatalf("secret leaked: %s", out)
		}
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{"UNRELATED": "x"}
	for n, v := range fullMap() {
		env[string(n)] = v
	}
	s, err := Load(EnvSource{LookupEnv: mapLookup(env)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Get(ClientSecret) != "v-client_secret" {
		t.Fatalf("client secret = %q", s.Get(ClientSecret))
	}
	if len(s.Present()) != len(Names) {
		t.Fatalf("present = %v", s.Present())
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	var b strings.Builder
	for _, n := range Names {
		fmt.Fprintf(&b, "%s = %q\n", n, "file-"+string(n))
	}
	good := filepath.Join(dir, "credentials.toml")
	if err := os.WriteFile(good, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}
	fs, err := LoadFile(good)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if fs.Insecure() {
		t.Fatal("0600 file reported insecure")
	}
	s, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Get(Username) != "file-USERNAME" {
		t.Fatalf("username = %q", s.Get(Username))
	}

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("USERNAME = \"a\"\nAPI_KEY = \"b\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); err == nil || !strings.Contains(err.Error(), "API_KEY") {
		t.Fatalf("err = %v, want unknown key error", err)
	}
}

func TestRefSource(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pw := filepath.Join(dir, "pw")
	if err := os.WriteFile(pw, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	base := EnvSource{LookupEnv: func(k string) (string, bool) { return "base-" + k, true }}
	src := RefSource{Base: base, Refs: map[Name]string{Password: "file://" + pw}}
	s, err := Load(src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Get(Password) != "from-file" {
		t.Fatalf("password = %q", s.Get(Password))
	}
	if s.Get(Username) != "base-USERNAME" {
		t.Fatalf("username = %q", s.Get(Username))
	}

	for _, ref := range []string{"hunter2", "/etc/termsync/password"} {
		literal := RefSource{Base: base, Refs: map[Name]string{Password: ref}}
		if _, err := Load(literal); !errors.Is(err, ErrLiteralRef) {
			t.Fatalf("ref %q: err = %v, want ErrLiteralRef", ref, err)
		}
	}
}

func TestNewSourceRejectsUnknownRef(t *testing.T) {
	t.Parallel()
	_, err := NewSource(SourceConfig{Refs: map[string]string{"API_KEY": "env://X"}})
	if err == nil {
		t.Fatal("expected error for unknown ref name")
	}
}
