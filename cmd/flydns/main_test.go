package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/cryguy/flydns/internal/core"
)

func noEnv(string) string { return "" }
func noEnviron() []string { return nil }

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		entry  string
		port   int
		config string
	}{
		{"entry only", []string{"entry.js"}, "entry.js", 0, ""},
		{"short flags before", []string{"-p", "5353", "-c", "fly.yml", "entry.js"}, "entry.js", 5353, "fly.yml"},
		{"long flags after", []string{"entry.ts", "--port", "53", "--config", "x.yml"}, "entry.ts", 53, "x.yml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseArgs(tt.args, &bytes.Buffer{})
			if err != nil {
				t.Fatalf("parseArgs: %v", err)
			}
			if opts.entry != tt.entry || opts.port != tt.port || opts.configPath != tt.config {
				t.Errorf("opts = %+v", opts)
			}
		})
	}
}

func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no entry", nil, "missing entry script"},
		{"unknown flag", []string{"--nope", "entry.js"}, "flag provided but not defined"},
		{"extra argument", []string{"entry.js", "other.js"}, "unexpected argument"},
		{"port out of range", []string{"-p", "70000", "entry.js"}, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseArgs(tt.args, &bytes.Buffer{})
			var ee *exitError
			if !errors.As(err, &ee) || ee.code != 2 {
				t.Fatalf("err = %v, want exit code 2", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestParseArgs_Help(t *testing.T) {
	out := &bytes.Buffer{}
	opts, err := parseArgs([]string{"-h"}, out)
	if err != nil || opts != nil {
		t.Fatalf("parseArgs(-h) = %+v, %v", opts, err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("help output = %q", out.String())
	}
}

func TestResolvePort(t *testing.T) {
	if got := resolvePort(5300, 5400); got != 5300 {
		t.Errorf("flag should win, got %d", got)
	}
	if got := resolvePort(0, 5400); got != 5400 {
		t.Errorf("config should win over default, got %d", got)
	}
	if got := resolvePort(0, 0); got != 8053 {
		t.Errorf("default port = %d, want 8053", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON output, got %q", out)
	}

	buf.Reset()
	newLogger("", "", &buf).Debug("quiet")
	if buf.Len() != 0 {
		t.Error("debug logged at default level")
	}
	if !newLogger("DEBUG", "text", &buf).Enabled(context.Background(), slog.LevelDebug) {
		t.Error("LOG_LEVEL is not case-insensitive")
	}
}

func TestRun_ConfigErrorStopsBeforeBind(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.js")
	if err := os.WriteFile(entry, []byte(`respond("A", "1.2.3.4");`), 0644); err != nil {
		t.Fatal(err)
	}
	environ := func() []string {
		return []string{"FLY_DATA_STORE__SQLITE__FILENAME=a.db", "FLY_DATA_STORE__POSTGRES__URL=postgres://x"}
	}

	err := run(context.Background(), []string{entry}, noEnv, environ, &bytes.Buffer{})
	var cerr *core.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *core.ConfigError", err)
	}
}

func TestRun_EntryScriptErrorIsFatal(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.js")
	if err := os.WriteFile(entry, []byte(`throw new Error("bad entry")`), 0644); err != nil {
		t.Fatal(err)
	}

	err := run(context.Background(), []string{entry}, noEnv, noEnviron, &bytes.Buffer{})
	var ierr *core.EngineInitError
	if !errors.As(err, &ierr) || ierr.Phase != "evaluate" {
		t.Fatalf("err = %v, want EngineInitError in evaluate", err)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.js")
	if err := os.WriteFile(entry, []byte(`respond("A", "1.2.3.4");`), 0644); err != nil {
		t.Fatal(err)
	}
	port := freePort(t)
	environ := func() []string {
		return []string{"FLY_CACHE_STORE__SQLITE__FILENAME=" + filepath.Join(dir, "cache.db")}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- run(ctx, []string{"-p", strconv.Itoa(port), entry}, noEnv, environ, &bytes.Buffer{})
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	m := new(dns.Msg)
	m.SetQuestion("example.test.", dns.TypeA)
	c := &dns.Client{Timeout: 200 * time.Millisecond}

	var resp *dns.Msg
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r, _, err := c.Exchange(m, addr)
		if err == nil {
			resp = r
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if resp == nil {
		cancel()
		t.Fatalf("server never answered: %v", <-errc)
	}
	if len(resp.Answer) != 1 || resp.Answer[0].(*dns.A).A.String() != "1.2.3.4" {
		t.Errorf("answer = %v", resp.Answer)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("run = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	return pc.LocalAddr().(*net.UDPAddr).Port
}
