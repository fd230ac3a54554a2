// Package invoke is the unified provider dispatch: alias normalization,
// per-provider defaults, session lifecycle, and retry-on-transient.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bayred/friends-bar/internal/config"
	"github.com/bayred/friends-bar/internal/procrun"
	"github.com/bayred/friends-bar/internal/provider"
	"github.com/bayred/friends-bar/internal/session"
)

// cliAliases maps accepted spellings to canonical provider names. Only the
// canonical name is used as the session store key so sessions never fork.
var cliAliases = map[string]string{
	"claude_minimax": "claude-minimax",
	"claude":         "claude-minimax",
	"gemini-cli":     "gemini",
	"gemini_cli":     "gemini",
}

// UnsupportedCLIError is returned for provider names outside the registry.
type UnsupportedCLIError struct {
	CLI       string
	Supported []string
}

func (e *UnsupportedCLIError) Error() string {
	return fmt.Sprintf("unsupported cli: %s. Supported: %s", e.CLI, strings.Join(e.Supported, ", "))
}

// Request describes one provider call.
type Request struct {
	CLI    string
	Prompt string

	// UseSession / Stream are tri-state: nil inherits the config default.
	UseSession *bool
	Stream     *bool

	Workdir      string
	TimeoutLevel string

	// RetryAttempts counts retries after the first attempt; nil inherits
	// the provider/config default. RetryBackoff is the base backoff.
	RetryAttempts *int
	RetryBackoff  time.Duration

	// Options carries provider-specific knobs; session/stream/workdir and
	// timeout level are overwritten by the gateway.
	Options provider.Options
}

// Response is the uniform invoke result.
type Response struct {
	CLI        string
	Text       string
	SessionID  string
	ElapsedMS  int64
	RetryCount int
}

// Gateway dispatches to registered adapters with retry and session care.
type Gateway struct {
	cfg      *config.Config
	store    *session.Store
	log      *zap.Logger
	adapters map[string]provider.Adapter
	sleep    func(time.Duration)
}

// New builds a gateway with the standard adapter set.
func New(cfg *config.Config, store *session.Store, log *zap.Logger) *Gateway {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		cfg:   cfg,
		store: store,
		log:   log,
		adapters: map[string]provider.Adapter{
			"claude-minimax": provider.ClaudeAdapter{},
			"codex":          provider.CodexAdapter{},
			"gemini":         provider.GeminiAdapter{},
		},
		sleep: time.Sleep,
	}
	// Gemini can run through a file-callback bridge for GUI-hosted
	// deployments that cannot stream to stdout.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GEMINI_ADAPTER")), "file-callback") {
		g.adapters["gemini"] = provider.FileCallbackAdapter{
			Provider:        "gemini",
			Dir:             os.Getenv("GEMINI_CALLBACK_DIR"),
			CleanupResponse: true,
		}
	}
	return g
}

// RegisterAdapter installs or replaces an adapter under a canonical name.
// Used for file-callback providers and test doubles.
func (g *Gateway) RegisterAdapter(name string, a provider.Adapter) {
	g.adapters[name] = a
}

// Normalize maps any accepted CLI spelling to its canonical name.
func Normalize(cli string) string {
	raw := strings.ToLower(strings.TrimSpace(cli))
	if canonical, ok := cliAliases[raw]; ok {
		return canonical
	}
	return raw
}

func (g *Gateway) supported() []string {
	names := map[string]bool{}
	for name := range g.adapters {
		names[name] = true
	}
	for alias := range cliAliases {
		names[alias] = true
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// loadSchemaFile reads a response JSON Schema document configured via
// providers.<name>.output_schema_path.
func loadSchemaFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return schema, nil
}

// staleSessionMarker is the provider-side complaint about a session ID the
// CLI no longer knows. The stored ID is cleared and the call retried once
// with no session.
const staleSessionMarker = "no conversation found with session id"

func isStaleSessionError(err *procrun.Error) bool {
	if err.Reason != procrun.ReasonNonzeroExit {
		return false
	}
	tail := strings.ToLower(strings.Join(err.StderrTail(), " "))
	return strings.Contains(tail, staleSessionMarker)
}

// transientStderrHints mark nonzero exits worth retrying.
var transientStderrHints = []string{
	"timeout",
	"temporarily",
	"try again",
	"429",
	"503",
	"504",
	"connection",
	"network",
	"rate limit",
	"bad record mac",
	"ssl",
	"tls",
}

// isTransientProcessError classifies a process failure as retryable.
func isTransientProcessError(err *procrun.Error) bool {
	switch err.Reason {
	case procrun.ReasonIdleTimeout, procrun.ReasonMaxTimeout:
		return true
	case procrun.ReasonNonzeroExit:
	default:
		return false
	}
	tail := strings.ToLower(strings.Join(err.StderrTail(), " "))
	for _, hint := range transientStderrHints {
		if strings.Contains(tail, hint) {
			return true
		}
	}
	return false
}

// Invoke performs one provider call with the configured retry policy.
func (g *Gateway) Invoke(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, fmt.Errorf("prompt must be a non-empty string")
	}
	name := Normalize(req.CLI)
	adapter, ok := g.adapters[name]
	if !ok {
		return Response{}, &UnsupportedCLIError{CLI: req.CLI, Supported: g.supported()}
	}

	provCfg := g.cfg.ProviderFor(name)
	defaults := g.cfg.Defaults

	useSession := defaults.UseSession
	if req.UseSession != nil {
		useSession = *req.UseSession
	}
	stream := defaults.Stream
	if req.Stream != nil {
		stream = *req.Stream
	}
	timeoutLevel := req.TimeoutLevel
	if timeoutLevel == "" {
		timeoutLevel = provCfg.TimeoutLevel
	}
	if timeoutLevel == "" {
		timeoutLevel = defaults.TimeoutLevel
	}
	retryAttempts := defaults.RetryAttempts
	if provCfg.RetryAttempts != nil {
		retryAttempts = *provCfg.RetryAttempts
	}
	if req.RetryAttempts != nil {
		retryAttempts = *req.RetryAttempts
	}
	if retryAttempts < 0 {
		return Response{}, fmt.Errorf("retry_attempts must be >= 0")
	}
	backoff := req.RetryBackoff
	if backoff <= 0 {
		backoff = time.Duration(defaults.RetryBackoffS * float64(time.Second))
	}

	opts := req.Options
	opts.Stream = stream
	opts.Workdir = req.Workdir
	opts.TimeoutLevel = timeoutLevel
	if opts.PermissionMode == "" {
		opts.PermissionMode = provCfg.PermissionMode
	}
	if opts.ExecMode == "" {
		opts.ExecMode = provCfg.ExecMode
	}
	if !opts.IncludePartialMessages {
		opts.IncludePartialMessages = provCfg.IncludePartialMessages
	}
	if len(opts.IncludeDirectories) == 0 {
		opts.IncludeDirectories = provCfg.IncludeDirectories
	}
	if opts.Proxy == "" {
		opts.Proxy = provCfg.Proxy
	}
	if opts.NoProxy == "" {
		opts.NoProxy = provCfg.NoProxy
	}
	if opts.OutputSchema == nil && provCfg.OutputSchemaPath != "" {
		if schema, err := loadSchemaFile(provCfg.OutputSchemaPath); err != nil {
			g.log.Debug("output schema hook unreadable, skipping",
				zap.String("path", provCfg.OutputSchemaPath), zap.Error(err))
		} else {
			opts.OutputSchema = schema
		}
	}

	sessionID := ""
	if useSession && g.store != nil {
		sessionID = g.store.Get(name)
	}

	attempt := 0
	retryCount := 0
	staleRetryUsed := false
	for {
		opts.SessionID = sessionID
		reply, err := adapter.Invoke(ctx, req.Prompt, opts)
		if err == nil {
			if useSession && g.store != nil && strings.TrimSpace(reply.SessionID) != "" {
				g.store.Set(name, reply.SessionID)
			}
			return Response{
				CLI:        name,
				Text:       reply.Text,
				SessionID:  reply.SessionID,
				ElapsedMS:  reply.ElapsedMS,
				RetryCount: retryCount,
			}, nil
		}

		var procErr *procrun.Error
		if !errors.As(err, &procErr) {
			return Response{}, err
		}

		// Stale session: clear the stored ID and retry once session-less,
		// independent of the transient retry budget.
		if !staleRetryUsed && sessionID != "" && isStaleSessionError(procErr) {
			staleRetryUsed = true
			g.log.Debug("stale session detected, clearing and retrying",
				zap.String("provider", name), zap.String("session_id", sessionID))
			if g.store != nil {
				g.store.Clear(name)
			}
			sessionID = ""
			retryCount++
			continue
		}

		if attempt >= retryAttempts || !isTransientProcessError(procErr) {
			return Response{}, procErr
		}
		wait := backoff * time.Duration(1<<attempt)
		g.log.Debug("transient provider failure, retrying",
			zap.String("provider", name),
			zap.String("reason", procErr.Reason),
			zap.Int("attempt", attempt+1),
			zap.Int("max", retryAttempts),
			zap.Duration("wait", wait))
		if stream {
			fmt.Fprintf(stderrWriter, "[retry] provider=%s, attempt=%d/%d, reason=%s, wait=%.1fs\n",
				name, attempt+1, retryAttempts, procErr.Reason, wait.Seconds())
		}
		g.sleep(wait)
		attempt++
		retryCount++
	}
}
