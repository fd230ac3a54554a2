package procrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-provider.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRun_CollectsStdoutLinesInOrder(t *testing.T) {
	script := writeScript(t, `
echo one
echo two
echo three
`)
	var got []string
	res, err := Run(context.Background(), Spec{
		Provider: "fake",
		Command:  script,
		Timeout:  Profile("quick"),
		OnStdoutLine: func(line string) error {
			if strings.TrimSpace(line) != "" {
				got = append(got, line)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ReturnCode != 0 {
		t.Fatalf("return code: got %d want 0", res.ReturnCode)
	}
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("lines: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestRun_NonzeroExit(t *testing.T) {
	script := writeScript(t, `
echo boom >&2
exit 3
`)
	_, err := Run(context.Background(), Spec{
		Provider: "fake",
		Command:  script,
		Timeout:  Profile("quick"),
	})
	var procErr *Error
	if !errors.As(err, &procErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if procErr.Reason != ReasonNonzeroExit {
		t.Fatalf("reason: got %q want %q", procErr.Reason, ReasonNonzeroExit)
	}
	if procErr.ReturnCode != 3 {
		t.Fatalf("return code: got %d want 3", procErr.ReturnCode)
	}
	if len(procErr.StderrTail()) == 0 || procErr.StderrTail()[0] != "boom" {
		t.Fatalf("stderr tail: got %v", procErr.StderrTail())
	}
}

func TestRun_LaunchError(t *testing.T) {
	_, err := Run(context.Background(), Spec{
		Provider: "fake",
		Command:  "/nonexistent/binary/for/test",
		Timeout:  Profile("quick"),
	})
	var procErr *Error
	if !errors.As(err, &procErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if procErr.Reason != ReasonLaunchError {
		t.Fatalf("reason: got %q want %q", procErr.Reason, ReasonLaunchError)
	}
}

func TestRun_IdleTimeout(t *testing.T) {
	script := writeScript(t, `
echo started
sleep 30
echo done
`)
	start := time.Now()
	_, err := Run(context.Background(), Spec{
		Provider: "fake",
		Command:  script,
		Timeout:  TimeoutConfig{Idle: 500 * time.Millisecond, Max: time.Minute, TerminateGrace: 300 * time.Millisecond},
	})
	var procErr *Error
	if !errors.As(err, &procErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if procErr.Reason != ReasonIdleTimeout {
		t.Fatalf("reason: got %q want %q", procErr.Reason, ReasonIdleTimeout)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("idle timeout took too long: %v", elapsed)
	}
}

func TestRun_MaxTimeout(t *testing.T) {
	script := writeScript(t, `
i=0
while [ $i -lt 100 ]; do
  echo tick
  sleep 0.2
  i=$((i+1))
done
`)
	_, err := Run(context.Background(), Spec{
		Provider: "fake",
		Command:  script,
		Timeout:  TimeoutConfig{Idle: time.Minute, Max: 700 * time.Millisecond, TerminateGrace: 300 * time.Millisecond},
	})
	var procErr *Error
	if !errors.As(err, &procErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if procErr.Reason != ReasonMaxTimeout {
		t.Fatalf("reason: got %q want %q", procErr.Reason, ReasonMaxTimeout)
	}
}

func TestRun_CallbackErrorTerminates(t *testing.T) {
	script := writeScript(t, `
echo first
sleep 10
echo second
`)
	_, err := Run(context.Background(), Spec{
		Provider: "fake",
		Command:  script,
		Timeout:  TimeoutConfig{Idle: time.Minute, Max: time.Minute, TerminateGrace: 300 * time.Millisecond},
		OnStdoutLine: func(line string) error {
			return fmt.Errorf("parser rejected %q", line)
		},
	})
	var procErr *Error
	if !errors.As(err, &procErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if procErr.Reason != ReasonCallbackError {
		t.Fatalf("reason: got %q want %q", procErr.Reason, ReasonCallbackError)
	}
	if !strings.Contains(procErr.Detail, "parser rejected") {
		t.Fatalf("detail: got %q", procErr.Detail)
	}
}

func TestRun_StdinText(t *testing.T) {
	script := writeScript(t, `
read line
echo "got:$line"
`)
	var got []string
	_, err := Run(context.Background(), Spec{
		Provider:  "fake",
		Command:   script,
		Timeout:   Profile("quick"),
		StdinText: "hello stdin\n",
		OnStdoutLine: func(line string) error {
			if strings.TrimSpace(line) != "" {
				got = append(got, line)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0] != "got:hello stdin" {
		t.Fatalf("stdin round trip: got %v", got)
	}
}

func TestRun_FlushesUnterminatedTail(t *testing.T) {
	script := writeScript(t, `printf 'no newline at end'`)
	var got []string
	_, err := Run(context.Background(), Spec{
		Provider: "fake",
		Command:  script,
		Timeout:  Profile("quick"),
		OnStdoutLine: func(line string) error {
			got = append(got, line)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0] != "no newline at end" {
		t.Fatalf("tail flush: got %v", got)
	}
}

func TestBuildCommandRepr_Truncates(t *testing.T) {
	long := strings.Repeat("x", 2000)
	repr := buildCommandRepr("claude", []string{"-p", long}, "/tmp/work")
	if len(repr) > commandReprMaxChars+120 {
		t.Fatalf("repr too long: %d chars", len(repr))
	}
	if !strings.Contains(repr, "...<truncated") {
		t.Fatalf("missing truncation marker: %q", repr[:100])
	}
	if !strings.Contains(repr, "(cwd=/tmp/work)") {
		t.Fatalf("missing cwd suffix")
	}
}

func TestResolveTimeoutConfig(t *testing.T) {
	cfg := ResolveTimeoutConfig("quick", 0, 0, 0)
	if cfg.Idle != 60*time.Second || cfg.Max != 300*time.Second {
		t.Fatalf("quick profile: got %+v", cfg)
	}
	cfg = ResolveTimeoutConfig("unknown-level", 0, 0, 0)
	if cfg.Idle != 300*time.Second {
		t.Fatalf("fallback profile: got %+v", cfg)
	}
	cfg = ResolveTimeoutConfig("standard", 10*time.Second, 0, time.Second)
	if cfg.Idle != 10*time.Second || cfg.Max != 1800*time.Second || cfg.TerminateGrace != time.Second {
		t.Fatalf("override merge: got %+v", cfg)
	}
}

func TestPIDAlive_SelfAndBogus(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Fatal("current process should be alive")
	}
	if PIDAlive(0) || PIDAlive(-1) {
		t.Fatal("non-positive pids are never alive")
	}
}
