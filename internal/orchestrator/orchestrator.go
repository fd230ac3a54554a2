package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/bayred/friends-bar/internal/audit"
	"github.com/bayred/friends-bar/internal/config"
	"github.com/bayred/friends-bar/internal/invoke"
	"github.com/bayred/friends-bar/internal/protocol"
	"github.com/bayred/friends-bar/internal/provider"
	"github.com/bayred/friends-bar/internal/runstate"
	"github.com/bayred/friends-bar/internal/safety"
	"github.com/bayred/friends-bar/internal/session"
)

// MaxProtocolRetry bounds schema repair attempts per turn (retries after
// the first attempt).
const MaxProtocolRetry = 2

// Params are the public entry inputs.
type Params struct {
	UserRequest  string
	Rounds       int // 0 uses the config default
	StartAgent   string
	ProjectPath  string
	UseSession   *bool
	Stream       *bool
	TimeoutLevel string
	ConfigPath   string
	Seed         *uint32
	DryRun       bool
	DumpPrompt   bool
}

// TurnRecord is one accepted turn. Appended to the transcript only after
// the reply passed validation and safety.
type TurnRecord struct {
	Turn      int     `json:"turn"`
	Agent     AgentID `json:"agent"`
	Peer      AgentID `json:"peer"`
	Attempts  int     `json:"attempts"`
	Provider  string  `json:"provider"`
	SessionID string  `json:"session_id,omitempty"`
	ElapsedMS int64   `json:"elapsed_ms"`
	Text      string  `json:"text"`
	Content   any     `json:"content"`
	Prompt    string  `json:"-"`
}

// LogInfo points at the run's audit artifacts.
type LogInfo struct {
	RunID       string `json:"run_id"`
	LogFile     string `json:"log_file"`
	SummaryFile string `json:"summary_file"`
}

// RunResult is the public run outcome.
type RunResult struct {
	RunID  string       `json:"run_id"`
	Seed   uint32       `json:"seed"`
	Rounds int          `json:"rounds"`
	Status string       `json:"status"`
	Turns  []TurnRecord `json:"turns"`
	Log    LogInfo      `json:"log"`
}

// invoker is the provider dispatch seam; the real implementation is the
// invoke gateway.
type invoker interface {
	Invoke(ctx context.Context, req invoke.Request) (invoke.Response, error)
}

// Orchestrator wires the run loop's collaborators.
type Orchestrator struct {
	loader *config.Loader
	log    *zap.Logger

	// newInvoker is swapped in tests.
	newInvoker func(cfg *config.Config, store *session.Store) invoker
}

// New constructs an orchestrator. A nil logger disables diagnostics.
func New(log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		loader: config.NewLoader(log),
		log:    log,
		newInvoker: func(cfg *config.Config, store *session.Store) invoker {
			return invoke.New(cfg, store, log)
		},
	}
}

// optionsFromAgent maps an agent's provider_options config onto adapter
// options.
func optionsFromAgent(agentCfg config.Agent, role protocol.Role) (opts provider.Options) {
	po := agentCfg.ProviderOptions
	str := func(key string) string {
		v, _ := po[key].(string)
		return v
	}
	strList := func(key string) []string {
		list, ok := po[key].([]any)
		if !ok {
			return nil
		}
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	opts.Model = str("model")
	opts.PermissionMode = str("permission_mode")
	opts.ExecMode = str("exec_mode")
	opts.ApprovalMode = str("approval_mode")
	opts.OutputFormat = str("output_format")
	opts.AllowedTools = strList("allowed_tools")
	opts.DisallowedTools = strList("disallowed_tools")
	if v, ok := po["yolo"].(bool); ok {
		opts.Yolo = v
	}
	if v, ok := po["sandbox"].(bool); ok {
		opts.Sandbox = &v
	}
	if v, ok := po["use_output_schema"].(bool); ok && v {
		opts.OutputSchema = protocol.SchemaFor(role)
	}
	return opts
}

// applySafetyOptions tightens adapter options under a read-only safety
// policy: execution stays sandboxed and Claude is restricted to its
// read-only tool set.
func applySafetyOptions(opts *provider.Options, safetyCfg config.Safety, providerName string) {
	if providerName == "codex" && opts.ExecMode == "" {
		opts.ExecMode = safetyCfg.CodexSandboxMode
	}
	if !safetyCfg.ReadOnly {
		return
	}
	switch providerName {
	case "codex":
		opts.ExecMode = "safe"
	case "claude-minimax":
		opts.PermissionMode = "plan"
		if len(safetyCfg.ClaudeToolsReadOnly) > 0 {
			opts.AllowedTools = append([]string{}, safetyCfg.ClaudeToolsReadOnly...)
		}
	case "gemini":
		sandboxed := true
		opts.Sandbox = &sandboxed
		opts.Yolo = false
	}
}

// Run drives one full round-robin dialogue.
func (o *Orchestrator) Run(ctx context.Context, p Params) (*RunResult, error) {
	if strings.TrimSpace(p.UserRequest) == "" {
		return nil, fmt.Errorf("user_request must be a non-empty string")
	}
	cfg := o.loader.Load(p.ConfigPath)
	fb := cfg.FriendsBar

	rounds := p.Rounds
	if rounds == 0 {
		rounds = fb.DefaultRounds
	}
	if rounds < 1 {
		return nil, fmt.Errorf("rounds must be >= 1")
	}

	startName := p.StartAgent
	if startName == "" {
		startName = fb.StartAgent
	}
	current, err := NormalizeAgent(startName)
	if err != nil {
		return nil, err
	}

	workdir := p.ProjectPath
	if workdir == "" {
		if wd, err := os.Getwd(); err == nil {
			workdir = wd
		}
	}
	abs, err := filepath.Abs(workdir)
	if err == nil {
		workdir = abs
	}
	info, err := os.Stat(workdir)
	if err != nil {
		return nil, fmt.Errorf("project_path does not exist: %s", workdir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project_path is not a directory: %s", workdir)
	}

	gate, err := safety.NewGate(safety.Policy{
		Workdir:          workdir,
		AllowedRoots:     fb.Safety.AllowedRoots,
		CommandDenylist:  fb.Safety.CommandDenylist,
		CommandAllowlist: fb.Safety.CommandAllowlist,
		PathDenylist:     fb.Safety.PathDenylist,
	})
	if err != nil {
		return nil, err
	}
	if diags := gate.CheckWorkdirAllowed(); len(diags) > 0 {
		return nil, fmt.Errorf("%s: %s", diags[0].Code, diags[0].Message)
	}

	logger := audit.New(audit.Config{
		Enabled:              fb.Logging.Enabled,
		Dir:                  fb.Logging.Dir,
		IncludePromptPreview: fb.Logging.IncludePromptPreview,
		MaxPreviewChars:      fb.Logging.MaxPreviewChars,
	}, p.Seed, o.log)

	store := session.New(filepath.Join(workdir, session.DefaultPath), o.log)
	gateway := o.newInvoker(cfg, store)
	prompts := newPromptBuilder(fb.PromptDir, newHistorySummarizer(fb.History))

	result := &RunResult{
		RunID:  logger.RunID,
		Seed:   logger.Seed,
		Rounds: rounds,
		Log: LogInfo{
			RunID:       logger.RunID,
			LogFile:     logger.LogFile,
			SummaryFile: logger.SummaryFile,
		},
	}
	stateDir := filepath.Dir(logger.LogFile)
	writeState := func(state runstate.State, turn int, reason string) {
		if logger.LogFile == "" {
			return
		}
		if err := runstate.Write(stateDir, runstate.Snapshot{
			RunID:          logger.RunID,
			Seed:           logger.Seed,
			State:          state,
			Turn:           turn,
			CurrentAgent:   string(current),
			TurnsCompleted: len(result.Turns),
			FailureReason:  reason,
		}); err != nil {
			o.log.Debug("runstate write failed", zap.Error(err))
		}
	}

	logger.Log(audit.EventRunStarted, map[string]any{
		"workspace":    fb.Name,
		"user_request": logger.TextMeta(p.UserRequest),
		"rounds":       rounds,
		"start_agent":  current,
		"workdir":      workdir,
		"dry_run":      p.DryRun,
	})
	writeState(runstate.StateRunning, 0, "")

	envelope := protocol.BuildTaskEnvelope(protocol.TaskEnvelopeParams{
		TraceID:               logger.RunID,
		Sender:                "orchestrator",
		Recipient:             string(current),
		Intent:                "friends_bar.dialogue",
		UserRequest:           p.UserRequest,
		Workdir:               workdir,
		TimeoutLevel:          p.TimeoutLevel,
		ExpectedSchemaVersion: protocol.SchemaVersionFor(ProfileFor(current).Role),
	})
	logger.Log(audit.EventTaskEnvelope, map[string]any{"envelope": envelope})

	fail := func(turn int, err error) (*RunResult, error) {
		result.Status = "failed"
		writeState(runstate.StateFailed, turn, err.Error())
		logger.Log(audit.EventRunFailed, map[string]any{
			"turn":  turn,
			"error": err.Error(),
		})
		logger.Finalize("failed", map[string]any{
			"turns_completed": len(result.Turns),
			"error": map[string]any{
				"type":    fmt.Sprintf("%T", err),
				"message": err.Error(),
			},
		})
		return result, err
	}

	for turn := 1; turn <= rounds; turn++ {
		profile := ProfileFor(current)
		peer := NextAgent(current)
		peerProfile := ProfileFor(peer)
		agentCfg := fb.Agents[string(current)]
		providerName := agentCfg.Provider
		if providerName == "" {
			providerName = profile.Provider
		}
		responseMode := agentCfg.ResponseMode
		if responseMode == "" {
			responseMode = "text_only"
		}
		if fb.Safety.ReadOnly {
			responseMode = "text_only"
		}

		if (turn-1)%len(turnOrder) == 0 {
			logger.Log(audit.EventRoundStarted, map[string]any{
				"round": (turn-1)/len(turnOrder) + 1,
				"turn":  turn,
			})
		}
		logger.Log(audit.EventTurnStarted, map[string]any{
			"turn":     turn,
			"agent":    current,
			"peer":     peer,
			"provider": providerName,
			"mode":     responseMode,
		})
		writeState(runstate.StateRunning, turn, "")

		basePrompt := prompts.BuildTurnPrompt(turnPromptInput{
			UserRequest:  p.UserRequest,
			Agent:        profile,
			Peer:         peerProfile,
			Workdir:      workdir,
			ResponseMode: responseMode,
			Transcript:   result.Turns,
		})
		logger.Log(audit.EventPromptStats, map[string]any{
			"turn":   turn,
			"agent":  current,
			"prompt": logger.TextMeta(basePrompt),
		})
		if p.DumpPrompt {
			logger.Log(audit.EventPromptDump, map[string]any{
				"turn":     turn,
				"agent":    current,
				"raw_text": basePrompt,
			})
		}

		if p.DryRun {
			result.Turns = append(result.Turns, TurnRecord{
				Turn:     turn,
				Agent:    current,
				Peer:     peer,
				Provider: providerName,
				Prompt:   basePrompt,
			})
			break
		}

		record, err := o.runTurn(ctx, turnContext{
			turn:         turn,
			agent:        profile,
			peer:         peerProfile,
			providerName: providerName,
			responseMode: responseMode,
			agentCfg:     agentCfg,
			safetyCfg:    fb.Safety,
			workdir:      workdir,
			basePrompt:   basePrompt,
			params:       p,
			gateway:      gateway,
			gate:         gate,
			logger:       logger,
			prompts:      prompts,
		})
		if err != nil {
			return fail(turn, err)
		}
		result.Turns = append(result.Turns, *record)
		logger.Log(audit.EventTurnCompleted, map[string]any{
			"turn":       turn,
			"agent":      current,
			"attempts":   record.Attempts,
			"elapsed_ms": record.ElapsedMS,
			"final_text": logger.TextMeta(record.Text),
		})
		current = peer
		writeState(runstate.StateRunning, turn, "")
	}

	status := "success"
	state := runstate.StateSuccess
	if p.DryRun {
		status = "dry_run"
		state = runstate.StateDryRun
	}
	result.Status = status
	writeState(state, len(result.Turns), "")
	logger.Finalize(status, map[string]any{
		"turns_completed": len(result.Turns),
		"rounds":          rounds,
	})
	return result, nil
}

type turnContext struct {
	turn         int
	agent        Profile
	peer         Profile
	providerName string
	responseMode string
	agentCfg     config.Agent
	safetyCfg    config.Safety
	workdir      string
	basePrompt   string
	params       Params
	gateway      invoker
	gate         *safety.Gate
	logger       *audit.Logger
	prompts      *promptBuilder
}

// runTurn executes the per-turn retry loop: invoke, decode, validate,
// safety-check, and either accept or repair.
func (o *Orchestrator) runTurn(ctx context.Context, tc turnContext) (*TurnRecord, error) {
	prompt := tc.basePrompt
	var lastDiags []protocol.Diag
	var totalElapsed int64

	for attempt := 1; attempt <= MaxProtocolRetry+1; attempt++ {
		tc.logger.Log(audit.EventTurnAttemptStarted, map[string]any{
			"turn":    tc.turn,
			"agent":   tc.agent.ID,
			"attempt": attempt,
			"prompt":  tc.logger.TextMeta(prompt),
		})

		opts := optionsFromAgent(tc.agentCfg, tc.agent.Role)
		applySafetyOptions(&opts, tc.safetyCfg, invoke.Normalize(tc.providerName))
		resp, err := tc.gateway.Invoke(ctx, invoke.Request{
			CLI:          tc.providerName,
			Prompt:       prompt,
			UseSession:   tc.params.UseSession,
			Stream:       tc.params.Stream,
			Workdir:      tc.workdir,
			TimeoutLevel: tc.params.TimeoutLevel,
			Options:      opts,
		})
		if err != nil {
			tc.logger.Log(audit.EventTurnAttemptFailed, map[string]any{
				"turn":    tc.turn,
				"agent":   tc.agent.ID,
				"attempt": attempt,
				"error":   err.Error(),
			})
			return nil, err
		}
		totalElapsed += resp.ElapsedMS

		text := strings.TrimSpace(resp.Text)
		payload := protocol.DecodePayload(text)
		adapted := false
		if payload == nil && tc.agent.Role == protocol.RoleReview {
			payload = protocol.AdaptPlainTextReview(text)
			adapted = payload != nil
		}

		var validation *protocol.ValidationResult
		if payload == nil {
			validation = &protocol.ValidationResult{}
			validation.AddError(protocol.ECodeInvalidFormat, "reply is not a JSON object")
		} else {
			validation = protocol.ValidateContent(tc.agent.Role, payload)
			if adapted {
				validation.Warnings = append(validation.Warnings, protocol.PlainTextReviewWarning)
			}
		}
		tc.logger.Log(audit.EventProtocolValidated, map[string]any{
			"turn":     tc.turn,
			"agent":    tc.agent.ID,
			"attempt":  attempt,
			"ok":       validation.OK,
			"codes":    validation.ErrorCodes(),
			"warnings": validation.Warnings,
			"raw_text": tc.logger.TextMeta(text),
		})

		if validation.OK {
			// Safety gate: workdir containment over commands, then
			// deliverable verification for execute-mode deliveries.
			var workdirDiags, deliveryDiags []protocol.Diag
			hasCommands := false
			switch content := validation.ParsedContent.(type) {
			case *protocol.DeliveryContent:
				hasCommands = true
				workdirDiags = tc.gate.CheckEvidence(content.Result.ExecutionEvidence)
				if tc.responseMode == "execute" {
					deliveryDiags = tc.gate.CheckDeliverables(content.Result.Deliverables)
					tc.logger.Log(audit.EventDeliveryVerify, map[string]any{
						"turn":    tc.turn,
						"attempt": attempt,
						"ok":      len(deliveryDiags) == 0,
						"codes":   diagCodes(deliveryDiags),
					})
				}
			case *protocol.ReviewContent:
				hasCommands = true
				workdirDiags = tc.gate.CheckEvidence(content.Verification)
			}
			if hasCommands {
				tc.logger.Log(audit.EventWorkdirVerify, map[string]any{
					"turn":    tc.turn,
					"attempt": attempt,
					"ok":      len(workdirDiags) == 0,
					"codes":   diagCodes(workdirDiags),
				})
			}
			for _, d := range workdirDiags {
				validation.AddError(d.Code, d.Message)
			}
			for _, d := range deliveryDiags {
				validation.AddError(d.Code, d.Message)
			}
		}

		tc.logger.Log(audit.EventTurnAttemptCompleted, map[string]any{
			"turn":       tc.turn,
			"agent":      tc.agent.ID,
			"attempt":    attempt,
			"ok":         validation.OK,
			"elapsed_ms": resp.ElapsedMS,
		})

		if validation.OK {
			return &TurnRecord{
				Turn:      tc.turn,
				Agent:     tc.agent.ID,
				Peer:      tc.peer.ID,
				Attempts:  attempt,
				Provider:  resp.CLI,
				SessionID: resp.SessionID,
				ElapsedMS: totalElapsed,
				Text:      text,
				Content:   validation.ParsedContent,
				Prompt:    tc.basePrompt,
			}, nil
		}

		lastDiags = validation.Errors
		prompt = tc.prompts.BuildRepairPrompt(tc.basePrompt, tc.agent.Role, validation.Errors, text)
	}

	codes := map[string]bool{}
	var ordered []string
	for _, d := range lastDiags {
		if !codes[d.Code] {
			codes[d.Code] = true
			ordered = append(ordered, d.Code)
		}
	}
	return nil, fmt.Errorf("turn %d (%s) failed protocol validation after %d attempts: %s",
		tc.turn, tc.agent.ID, MaxProtocolRetry+1, strings.Join(ordered, ", "))
}

func diagCodes(diags []protocol.Diag) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.Code)
	}
	return out
}
