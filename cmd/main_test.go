package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/codementor/host/internal/config"
)

// runWithArgs runs the CLI with the given arguments and returns exit code, stdout and stderr.
func runWithArgs(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"codementor"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// isolate points HOME at a temp dir so no real config or token store is used.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

// fakeBackend accepts one account and tracks the token it issued.
type fakeBackend struct {
	mu      sync.Mutex
	issued  string
	revoked bool
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds struct{ Email, Password string }
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Incorrect email or password"}`))
			return
		}
		b.mu.Lock()
		b.issued = "tok-" + creds.Email
		b.revoked = false
		b.mu.Unlock()
		w.Write([]byte(`{"access_token":"tok-` + creds.Email + `","token_type":"bearer"}`))
	})
	mux.HandleFunc("/api/v1/auth/users/me", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		ok := !b.revoked && r.Header.Get("Authorization") == "Bearer "+b.issued
		b.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"email":"me@example.com"}`))
	})
	mux.HandleFunc("/api/v1/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	return mux
}

func (b *fakeBackend) revoke() {
	b.mu.Lock()
	b.revoked = true
	b.mu.Unlock()
}

func TestVersion(t *testing.T) {
	code, stdout, _ := runWithArgs("version")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if stdout != "codementor dev\n" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runWithArgs("frobnicate")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "unknown command") {
		t.Errorf("stderr = %q, want unknown command", stderr)
	}
}

func TestHelpListsCommands(t *testing.T) {
	code, stdout, _ := runWithArgs("--help")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, name := range []string{"start", "login", "register", "logout", "status", "diff", "version"} {
		if !strings.Contains(stdout, name) {
			t.Errorf("help missing %q", name)
		}
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDiff(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "a\nb\nc\n")
	b := writeFile(t, dir, "b.txt", "a\nx\nc\n")

	t.Run("text", func(t *testing.T) {
		code, stdout, stderr := runWithArgs("diff", a, b)
		if code != 0 {
			t.Fatalf("exit code = %d, stderr = %q", code, stderr)
		}
		for _, want := range []string{"# 1 added, 1 removed, 2 unchanged\n", "  a\n", "- b\n", "+ x\n", "  c\n"} {
			if !strings.Contains(stdout, want) {
				t.Errorf("stdout missing %q:\n%s", want, stdout)
			}
		}
	})

	t.Run("unified", func(t *testing.T) {
		code, stdout, _ := runWithArgs("diff", "--unified", a, b)
		if code != 0 {
			t.Fatalf("exit code = %d", code)
		}
		if !strings.Contains(stdout, "-b\n+x\n") {
			t.Errorf("stdout = %q", stdout)
		}
	})

	t.Run("html to file", func(t *testing.T) {
		out := filepath.Join(dir, "view.html")
		code, stdout, _ := runWithArgs("diff", "--format", "html", "-o", out, a, b)
		if code != 0 {
			t.Fatalf("exit code = %d", code)
		}
		if stdout != "" {
			t.Errorf("stdout = %q, want empty", stdout)
		}
		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), `<pre class="added">x`) {
			t.Errorf("view = %q", data)
		}
	})

	t.Run("bad format", func(t *testing.T) {
		code, _, stderr := runWithArgs("diff", "--format", "pdf", a, b)
		if code != 1 || !strings.Contains(stderr, "invalid --format") {
			t.Errorf("code = %d, stderr = %q", code, stderr)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		code, _, _ := runWithArgs("diff", a, filepath.Join(dir, "nope"))
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	})

	t.Run("wrong arg count", func(t *testing.T) {
		code, _, _ := runWithArgs("diff", a)
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	})
}

func TestSessionCommands(t *testing.T) {
	home := isolate(t)
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	common := []string{
		"--api-base-url", srv.URL + "/api/v1",
		"--token-store", filepath.Join(home, "tokens.db"),
		"--log-file", filepath.Join(home, "host.log"),
	}
	cli := func(args ...string) (int, string, string) {
		return runWithArgs(append(args, common...)...)
	}

	if code, stdout, _ := cli("status"); code != 2 || !strings.Contains(stdout, "Session: empty") {
		t.Fatalf("status before login: code = %d, stdout = %q", code, stdout)
	}

	code, _, stderr := cli("login", "--email", "me@example.com", "--password", "wrong")
	if code != 1 {
		t.Fatalf("bad login exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Incorrect email or password") {
		t.Errorf("stderr = %q, want backend detail", stderr)
	}

	code, stdout, stderr := cli("login", "--email", "me@example.com", "--password", "secret")
	if code != 0 {
		t.Fatalf("login exit code = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "Signed in as me@example.com") {
		t.Errorf("stdout = %q", stdout)
	}

	if code, stdout, _ := cli("status"); code != 0 || !strings.Contains(stdout, "Session: valid") {
		t.Errorf("status after login: code = %d, stdout = %q", code, stdout)
	}

	// A revoked token that cannot be refreshed is cleared.
	backend.revoke()
	if code, stdout, _ := cli("status"); code != 2 || !strings.Contains(stdout, "Session: empty") {
		t.Errorf("status after revoke: code = %d, stdout = %q", code, stdout)
	}

	if code, stdout, _ := cli("logout"); code != 0 || stdout != "Signed out\n" {
		t.Errorf("logout: code = %d, stdout = %q", code, stdout)
	}
	if code, _, _ := cli("logout"); code != 0 {
		t.Errorf("second logout exit code = %d, want 0", code)
	}
}

func TestLoginPasswordFromStdin(t *testing.T) {
	creds := &credentialFlags{email: "me@example.com"}
	var prompt bytes.Buffer
	if err := creds.resolve(strings.NewReader("hunter2\n"), &prompt); err != nil {
		t.Fatal(err)
	}
	if creds.password != "hunter2" {
		t.Errorf("password = %q", creds.password)
	}
	if prompt.String() != "Password: " {
		t.Errorf("prompt = %q", prompt.String())
	}

	empty := &credentialFlags{email: "me@example.com"}
	if err := empty.resolve(strings.NewReader(""), &prompt); err == nil {
		t.Error("expected error for empty password")
	}

	if err := (&credentialFlags{}).resolve(strings.NewReader("x\n"), &prompt); err == nil {
		t.Error("expected error for missing email")
	}
}

func TestEnvOverridesConfigFile(t *testing.T) {
	home := isolate(t)
	path := writeFile(t, home, "config.toml", `
api_base_url = "http://file.example/api/v1"
log_level = "debug"
`)
	t.Setenv("CODEMENTOR_API_BASE_URL", "http://env.example/api/v1")

	cfg, err := loadConfig(&globalOptions{v: newViper(), configPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIBaseURL != "http://env.example/api/v1" {
		t.Errorf("APIBaseURL = %q, want env value", cfg.APIBaseURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want file value", cfg.LogLevel)
	}
	if cfg.Addr != config.DefaultAddr {
		t.Errorf("Addr = %q, want default", cfg.Addr)
	}
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("addr", "127.0.0.1:9999")
	v.Set("diff-mode", "native")
	v.Set("command-rate", 3.5)

	cfg := &config.Config{Addr: "127.0.0.1:7171", LogLevel: "warn"}
	applyOverrides(cfg, v)

	if cfg.Addr != "127.0.0.1:9999" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.DiffMode != "native" {
		t.Errorf("DiffMode = %q", cfg.DiffMode)
	}
	if cfg.CommandRate != 3.5 {
		t.Errorf("CommandRate = %v", cfg.CommandRate)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, unset keys must not override", cfg.LogLevel)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	isolate(t)
	code, _, stderr := runWithArgs("status", "--log-level", "loud")
	if code != 1 || !strings.Contains(stderr, "invalid log_level") {
		t.Errorf("code = %d, stderr = %q", code, stderr)
	}
}

func TestNewRenderer(t *testing.T) {
	cfg := &config.Config{DiffMode: config.DiffModeAnnotated, DiffOutput: "/tmp/view.html"}
	r, closeFn := newRenderer(cfg, zap.NewNop())
	defer closeFn()
	if _, ok := r.(interface{ Close() error }); ok {
		t.Error("annotated mode should not return the native renderer")
	}

	cfg.DiffMode = config.DiffModeNative
	cfg.DiffCmd = config.DefaultDiffCmd
	r, closeFn = newRenderer(cfg, zap.NewNop())
	defer closeFn()
	if _, ok := r.(interface{ Close() error }); !ok {
		t.Errorf("native mode returned %T", r)
	}
}
