// Package audit writes the append-only run event trail (JSONL) and the
// final run summary. Every write is best-effort: the audit trail must
// never break the run it describes.
package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Config controls one run's audit output.
type Config struct {
	Enabled              bool
	Dir                  string
	IncludePromptPreview bool
	MaxPreviewChars      int
}

// TextMeta is the bounded metadata recorded for prompts and replies.
type TextMeta struct {
	Chars   int    `json:"chars"`
	SHA256  string `json:"sha256"`
	Preview string `json:"preview,omitempty"`
}

// Logger is the append-only JSONL logger for one run.
type Logger struct {
	enabled              bool
	includePromptPreview bool
	maxPreviewChars      int

	RunID string
	Seed  uint32

	createdAt   time.Time
	LogFile     string
	SummaryFile string

	log *zap.Logger
}

func randomSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

// New creates a logger for one run. A nil seed draws a random 32-bit one.
func New(cfg Config, seed *uint32, diag *zap.Logger) *Logger {
	if diag == nil {
		diag = zap.NewNop()
	}
	l := &Logger{
		enabled:              cfg.Enabled,
		includePromptPreview: cfg.IncludePromptPreview,
		maxPreviewChars:      cfg.MaxPreviewChars,
		RunID:                strings.ToLower(ulid.Make().String()),
		createdAt:            time.Now().UTC(),
		log:                  diag,
	}
	if l.maxPreviewChars <= 0 {
		l.maxPreviewChars = 1200
	}
	if seed != nil {
		l.Seed = *seed
	} else {
		l.Seed = randomSeed()
	}
	if !l.enabled {
		return l
	}

	dir := cfg.Dir
	if dir == "" {
		dir = filepath.Join(".friends-bar", "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		diag.Debug("audit dir unavailable, disabling logger", zap.String("dir", dir), zap.Error(err))
		l.enabled = false
		return l
	}
	stem := fmt.Sprintf("%s_%s", l.createdAt.Format("20060102T150405.000000Z"), l.RunID)
	l.LogFile = filepath.Join(dir, stem+".jsonl")
	l.SummaryFile = filepath.Join(dir, stem+".summary.json")
	return l
}

// Enabled reports whether events are being written.
func (l *Logger) Enabled() bool { return l.enabled }

// TextMeta builds bounded metadata for a text payload. Preview inclusion
// follows the logger configuration.
func (l *Logger) TextMeta(text string) TextMeta {
	sum := sha256.Sum256([]byte(text))
	meta := TextMeta{Chars: len(text), SHA256: hex.EncodeToString(sum[:])}
	if l.includePromptPreview {
		preview := text
		if runes := []rune(preview); len(runes) > l.maxPreviewChars {
			preview = string(runes[:l.maxPreviewChars])
		}
		meta.Preview = preview
	}
	return meta
}

// Log appends one event as a single JSONL write. Failures are swallowed.
func (l *Logger) Log(event string, payload map[string]any) {
	if !l.enabled || l.LogFile == "" {
		return
	}
	record := map[string]any{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"run_id":  l.RunID,
		"seed":    l.Seed,
		"event":   event,
		"payload": payload,
	}
	line, err := json.Marshal(record)
	if err != nil {
		l.log.Debug("audit encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	f, err := os.OpenFile(l.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.log.Debug("audit open failed", zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.log.Debug("audit write failed", zap.Error(err))
	}
}

// Finalize writes the run.finalized event and the atomic summary file.
func (l *Logger) Finalize(status string, summary map[string]any) {
	if !l.enabled {
		return
	}
	payload := map[string]any{
		"status":     status,
		"started_at": l.createdAt.Format(time.RFC3339Nano),
		"ended_at":   time.Now().UTC().Format(time.RFC3339Nano),
		"seed":       l.Seed,
	}
	for k, v := range summary {
		payload[k] = v
	}
	l.Log(EventRunFinalized, payload)

	if l.SummaryFile == "" {
		return
	}
	doc := map[string]any{
		"run_id": l.RunID,
		"seed":   l.Seed,
	}
	for k, v := range payload {
		doc[k] = v
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	tmp := l.SummaryFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		l.log.Debug("summary write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, l.SummaryFile); err != nil {
		l.log.Debug("summary rename failed", zap.Error(err))
		_ = os.Remove(tmp)
	}
}
