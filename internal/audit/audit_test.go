package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func readEvents(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var events []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode line %q: %v", line, err)
		}
		events = append(events, record)
	}
	return events
}

func TestLogger_WritesOrderedEvents(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Dir: dir, IncludePromptPreview: true, MaxPreviewChars: 10}, nil, nil)
	if !l.Enabled() {
		t.Fatal("logger should be enabled")
	}
	if l.RunID == "" {
		t.Fatal("run id missing")
	}

	l.Log(EventRunStarted, map[string]any{"rounds": 3})
	l.Log(EventTurnStarted, map[string]any{"turn": 1})
	l.Finalize("success", map[string]any{"turns_completed": 3})

	events := readEvents(t, l.LogFile)
	if len(events) != 3 {
		t.Fatalf("events: got %d", len(events))
	}
	wantOrder := []string{EventRunStarted, EventTurnStarted, EventRunFinalized}
	for i, want := range wantOrder {
		if events[i]["event"] != want {
			t.Fatalf("event %d: got %v want %v", i, events[i]["event"], want)
		}
		if events[i]["run_id"] != l.RunID {
			t.Fatalf("event %d run_id mismatch", i)
		}
	}

	// Summary file written atomically with matching identity.
	b, err := os.ReadFile(l.SummaryFile)
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var summary map[string]any
	if err := json.Unmarshal(b, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary["run_id"] != l.RunID {
		t.Fatalf("summary run_id: %v", summary["run_id"])
	}
	if summary["status"] != "success" {
		t.Fatalf("summary status: %v", summary["status"])
	}
	if summary["turns_completed"] != 3.0 {
		t.Fatalf("summary counters: %v", summary["turns_completed"])
	}
}

func TestLogger_DisabledWritesNothing(t *testing.T) {
	l := New(Config{Enabled: false, Dir: t.TempDir()}, nil, nil)
	l.Log(EventRunStarted, nil)
	l.Finalize("success", nil)
	if l.LogFile != "" || l.SummaryFile != "" {
		t.Fatalf("disabled logger has files: %q %q", l.LogFile, l.SummaryFile)
	}
}

func TestLogger_SeedHandling(t *testing.T) {
	seed := uint32(42)
	l := New(Config{Enabled: false}, &seed, nil)
	if l.Seed != 42 {
		t.Fatalf("explicit seed: got %d", l.Seed)
	}
	a := New(Config{Enabled: false}, nil, nil)
	b := New(Config{Enabled: false}, nil, nil)
	if a.RunID == b.RunID {
		t.Fatal("run ids should be unique")
	}
}

func TestTextMeta_PreviewBounds(t *testing.T) {
	l := New(Config{Enabled: true, Dir: t.TempDir(), IncludePromptPreview: true, MaxPreviewChars: 5}, nil, nil)
	meta := l.TextMeta("0123456789")
	if meta.Chars != 10 {
		t.Fatalf("chars: %d", meta.Chars)
	}
	if meta.Preview != "01234" {
		t.Fatalf("preview: %q", meta.Preview)
	}
	if len(meta.SHA256) != 64 {
		t.Fatalf("sha256 length: %d", len(meta.SHA256))
	}

	noPreview := New(Config{Enabled: true, Dir: t.TempDir(), IncludePromptPreview: false}, nil, nil)
	if noPreview.TextMeta("abc").Preview != "" {
		t.Fatal("preview should be omitted")
	}
}

func TestLogger_UnwritableDirDisables(t *testing.T) {
	l := New(Config{Enabled: true, Dir: "/proc/definitely/not/writable"}, nil, nil)
	if l.Enabled() {
		t.Fatal("logger should disable itself")
	}
	// Still safe to use.
	l.Log(EventRunStarted, nil)
	l.Finalize("failed", nil)
}
