package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bayred/friends-bar/internal/config"
	"github.com/bayred/friends-bar/internal/invoke"
	"github.com/bayred/friends-bar/internal/procrun"
	"github.com/bayred/friends-bar/internal/protocol"
	"github.com/bayred/friends-bar/internal/runstate"
	"github.com/bayred/friends-bar/internal/session"
)

// stubInvoker replays canned invoke results keyed by call order.
type stubInvoker struct {
	replies []func(req invoke.Request) (invoke.Response, error)
	calls   []invoke.Request
}

func (s *stubInvoker) Invoke(_ context.Context, req invoke.Request) (invoke.Response, error) {
	s.calls = append(s.calls, req)
	idx := len(s.calls) - 1
	if idx >= len(s.replies) {
		return invoke.Response{}, fmt.Errorf("unexpected call %d", idx+1)
	}
	return s.replies[idx](req)
}

func reply(text string) func(invoke.Request) (invoke.Response, error) {
	return func(req invoke.Request) (invoke.Response, error) {
		return invoke.Response{CLI: invoke.Normalize(req.CLI), Text: text, SessionID: "sess-1", ElapsedMS: 10}, nil
	}
}

func planJSON() string {
	return `{
	  "schema_version": "friendsbar.plan.v1",
	  "status": "ok",
	  "result": {
	    "requirement_breakdown": ["check the training script"],
	    "implementation_scope": "minimal check",
	    "acceptance_criteria": ["script exists and runs"],
	    "handoff_notes": "verify train.py"
	  },
	  "next_question": "开发者能确认脚本可运行吗？",
	  "warnings": [],
	  "errors": []
	}`
}

func deliveryJSON(workdirRelDeliverable string) string {
	return fmt.Sprintf(`{
	  "schema_version": "friendsbar.delivery.v1",
	  "status": "ok",
	  "result": {
	    "task_understanding": "check minimal task",
	    "implementation_plan": "inspect and run the script",
	    "execution_evidence": [{"command": "ls", "result": "train.py"}],
	    "risks_and_rollback": "none",
	    "deliverables": [{"path": %q, "kind": "file", "summary": "training entry"}]
	  },
	  "next_question": "评审者还需要哪些证据？",
	  "warnings": [],
	  "errors": []
	}`, workdirRelDeliverable)
}

func reviewJSON(command string) string {
	return fmt.Sprintf(`{
	  "schema_version": "friendsbar.review.v1",
	  "status": "ok",
	  "acceptance": "pass",
	  "verification": [
	    {"command": %q, "result": "exists"},
	    {"command": "ls", "result": "train.py"}
	  ],
	  "root_cause": [],
	  "issues": [],
	  "gate": {"decision": "allow", "conditions": []},
	  "next_question": "是否还有后续任务？",
	  "warnings": [],
	  "errors": []
	}`, command)
}

// newTestOrchestrator wires a workdir with train.py, a config pointing
// audit logs into the temp dir, and a stub invoker.
func newTestOrchestrator(t *testing.T, stub *stubInvoker) (*Orchestrator, Params, string) {
	t.Helper()
	workdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workdir, "train.py"), []byte("print('ok')\n"), 0o644); err != nil {
		t.Fatalf("write train.py: %v", err)
	}
	logDir := filepath.Join(workdir, ".friends-bar", "logs")
	configPath := filepath.Join(workdir, "config.toml")
	configBody := fmt.Sprintf(`
[friends_bar]
default_rounds = 3
start_agent = "DUFFY"

[friends_bar.logging]
enabled = true
dir = %q

[friends_bar.agents.LINA_BELL]
provider = "codex"
response_mode = "execute"
`, logDir)
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	o := New(nil)
	o.newInvoker = func(*config.Config, *session.Store) invoker { return stub }
	params := Params{
		UserRequest: "please check minimal task",
		ProjectPath: workdir,
		ConfigPath:  configPath,
	}
	return o, params, workdir
}

func readEventNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var names []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var record map[string]any
		if err := json.Unmarshal(sc.Bytes(), &record); err != nil {
			t.Fatalf("decode: %v", err)
		}
		names = append(names, record["event"].(string))
	}
	return names
}

func TestRun_HappyPathThreeTurns(t *testing.T) {
	stub := &stubInvoker{}
	o, params, workdir := newTestOrchestrator(t, stub)
	stub.replies = []func(invoke.Request) (invoke.Response, error){
		reply(planJSON()),
		reply(deliveryJSON("train.py")),
		reply(reviewJSON("cat " + filepath.Join(workdir, "train.py"))),
	}
	params.Rounds = 3

	result, err := o.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != "success" {
		t.Fatalf("status: %q", result.Status)
	}
	if len(result.Turns) != 3 {
		t.Fatalf("turns: %d", len(result.Turns))
	}
	wantAgents := []AgentID{AgentDuffy, AgentLinaBell, AgentStella}
	wantVersions := []string{"friendsbar.plan.v1", "friendsbar.delivery.v1", "friendsbar.review.v1"}
	for i, turn := range result.Turns {
		if turn.Agent != wantAgents[i] {
			t.Fatalf("turn %d agent: %s", i+1, turn.Agent)
		}
		if turn.Turn != i+1 {
			t.Fatalf("turn number: %d", turn.Turn)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(turn.Text), &payload); err != nil {
			t.Fatalf("turn text is not JSON: %v", err)
		}
		if payload["schema_version"] != wantVersions[i] {
			t.Fatalf("turn %d schema: %v", i+1, payload["schema_version"])
		}
	}

	// Audit trail: run.started first, three turn.completed, run.finalized last.
	names := readEventNames(t, result.Log.LogFile)
	if names[0] != "run.started" {
		t.Fatalf("first event: %s", names[0])
	}
	if names[len(names)-1] != "run.finalized" {
		t.Fatalf("last event: %s", names[len(names)-1])
	}
	completed := 0
	for _, name := range names {
		if name == "turn.completed" {
			completed++
		}
	}
	if completed != 3 {
		t.Fatalf("turn.completed events: %d", completed)
	}

	// Summary says success with 3 turns.
	b, err := os.ReadFile(result.Log.SummaryFile)
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var summary map[string]any
	if err := json.Unmarshal(b, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary["status"] != "success" || summary["turns_completed"] != 3.0 {
		t.Fatalf("summary: %v", summary)
	}

	// Run-state snapshot is terminal.
	snap, err := runstate.Load(filepath.Dir(result.Log.LogFile))
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap.State != runstate.StateSuccess || snap.TurnsCompleted != 3 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestRun_WorkdirGuardRepairsAndSucceeds(t *testing.T) {
	stub := &stubInvoker{}
	o, params, workdir := newTestOrchestrator(t, stub)
	stub.replies = []func(invoke.Request) (invoke.Response, error){
		reply(planJSON()),
		reply(deliveryJSON("train.py")),
		// First review references an absolute path outside the workdir,
		// the repair attempt replaces it with an in-workdir command.
		reply(reviewJSON("cat /outside/path")),
		reply(reviewJSON("cat " + filepath.Join(workdir, "train.py"))),
	}
	params.Rounds = 3

	result, err := o.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Turns) != 3 {
		t.Fatalf("turns: %d", len(result.Turns))
	}
	review := result.Turns[2]
	if review.Attempts != 2 {
		t.Fatalf("review attempts: %d", review.Attempts)
	}
	// The repair prompt carried the violation code and the schema.
	repairPrompt := stub.calls[3].Prompt
	if !strings.Contains(repairPrompt, "E_WORKDIR_COMMAND_OUTSIDE") {
		t.Fatalf("repair prompt missing code: %s", repairPrompt[:200])
	}
	if !strings.Contains(repairPrompt, "friendsbar.review.v1") {
		t.Fatal("repair prompt missing schema")
	}
}

func TestRun_MissingDeliverableRejected(t *testing.T) {
	stub := &stubInvoker{}
	o, params, _ := newTestOrchestrator(t, stub)
	bad := reply(deliveryJSON("ghost.txt"))
	stub.replies = []func(invoke.Request) (invoke.Response, error){
		reply(planJSON()),
		bad, bad, bad,
	}
	params.Rounds = 2

	_, err := o.Run(context.Background(), params)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "E_DELIVERY_MISSING_DELIVERABLE") {
		t.Fatalf("error: %v", err)
	}
}

func TestRun_ProcessErrorFailsRunWithoutPartialTurn(t *testing.T) {
	stub := &stubInvoker{}
	o, params, _ := newTestOrchestrator(t, stub)
	stub.replies = []func(invoke.Request) (invoke.Response, error){
		reply(planJSON()),
		func(invoke.Request) (invoke.Response, error) {
			return invoke.Response{}, &procrun.Error{
				Provider: "codex",
				Reason:   procrun.ReasonIdleTimeout,
			}
		},
	}
	params.Rounds = 3

	result, err := o.Run(context.Background(), params)
	if err == nil {
		t.Fatal("expected failure")
	}
	if result.Status != "failed" {
		t.Fatalf("status: %q", result.Status)
	}
	if len(result.Turns) != 1 {
		t.Fatalf("no partial turn may be appended: %d", len(result.Turns))
	}
	names := readEventNames(t, result.Log.LogFile)
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "turn.attempt.failed") {
		t.Fatalf("missing turn.attempt.failed: %v", names)
	}
	if !strings.Contains(joined, "run.failed") {
		t.Fatalf("missing run.failed: %v", names)
	}
	if names[len(names)-1] != "run.finalized" {
		t.Fatal("audit trail must still finalize")
	}
}

func TestRun_DryRunBuildsOnePromptOnly(t *testing.T) {
	stub := &stubInvoker{}
	o, params, _ := newTestOrchestrator(t, stub)
	params.DryRun = true
	params.Rounds = 3

	result, err := o.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != "dry_run" {
		t.Fatalf("status: %q", result.Status)
	}
	if len(stub.calls) != 0 {
		t.Fatalf("dry run must not invoke providers: %d calls", len(stub.calls))
	}
	if len(result.Turns) != 1 {
		t.Fatalf("dry run records one prompt-only turn: %d", len(result.Turns))
	}
	if result.Turns[0].Prompt == "" {
		t.Fatal("prompt missing from dry run record")
	}
}

func TestRun_ValidatesInputs(t *testing.T) {
	o, params, _ := newTestOrchestrator(t, &stubInvoker{})

	bad := params
	bad.UserRequest = "  "
	if _, err := o.Run(context.Background(), bad); err == nil {
		t.Fatal("empty user_request should fail")
	}

	bad = params
	bad.Rounds = -1
	if _, err := o.Run(context.Background(), bad); err == nil {
		t.Fatal("negative rounds should fail")
	}

	bad = params
	bad.ProjectPath = "/does/not/exist"
	if _, err := o.Run(context.Background(), bad); err == nil {
		t.Fatal("missing project path should fail")
	}

	bad = params
	bad.StartAgent = "UNKNOWN_AGENT"
	if _, err := o.Run(context.Background(), bad); err == nil {
		t.Fatal("unknown start agent should fail")
	}
}

func TestRun_PlainTextReviewAdapted(t *testing.T) {
	stub := &stubInvoker{}
	o, params, _ := newTestOrchestrator(t, stub)
	plain := "### [验收结论]\n有条件通过\n\n### [核验清单]\n- ls => train.py\n- wc -l train.py => 1\n\n### [问题清单]\n- P2: 输出缺少说明\n\n### [回归门禁]\n- 补充说明后放行\n"
	stub.replies = []func(invoke.Request) (invoke.Response, error){
		reply(planJSON()),
		reply(deliveryJSON("train.py")),
		reply(plain),
	}
	params.Rounds = 3

	result, err := o.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	review := result.Turns[2]
	if review.Attempts != 1 {
		t.Fatalf("adaptation should succeed first attempt: %d", review.Attempts)
	}
	content, ok := review.Content.(*protocol.ReviewContent)
	if !ok {
		t.Fatalf("content type: %T", review.Content)
	}
	if content.Acceptance != "conditional" || content.Status != "partial" {
		t.Fatalf("adapted review: %+v", content)
	}
	if len(content.Verification) < 2 {
		t.Fatalf("verification: %+v", content.Verification)
	}
}

func TestNormalizeAgent_AliasesAndMojibake(t *testing.T) {
	cases := map[string]AgentID{
		"DUFFY":          AgentDuffy,
		"duffy":          AgentDuffy,
		"达菲":             AgentDuffy,
		"claude-minimax": AgentDuffy,
		"玲娜贝儿":           AgentLinaBell,
		"codex":          AgentLinaBell,
		"lina_bell":      AgentLinaBell,
		"STELLA":         AgentStella,
		"星黛露":            AgentStella,
		"gemini":         AgentStella,
	}
	for in, want := range cases {
		got, err := NormalizeAgent(in)
		if err != nil {
			t.Fatalf("NormalizeAgent(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeAgent(%q): got %s want %s", in, got, want)
		}
	}

	// Both mojibake rounds of each display name resolve silently.
	for _, id := range []AgentID{AgentDuffy, AgentLinaBell, AgentStella} {
		for _, form := range mojibakeForms(ProfileFor(id).Display) {
			got, err := NormalizeAgent(form)
			if err != nil {
				t.Fatalf("mojibake %q: %v", form, err)
			}
			if got != id {
				t.Fatalf("mojibake %q: got %s want %s", form, got, id)
			}
		}
	}

	if _, err := NormalizeAgent("mickey"); err == nil {
		t.Fatal("unknown agent should error")
	}
	if _, err := NormalizeAgent(""); err == nil {
		t.Fatal("empty agent should error")
	}
}

func TestNextAgent_FixedOrder(t *testing.T) {
	if NextAgent(AgentDuffy) != AgentLinaBell {
		t.Fatal("DUFFY -> LINA_BELL")
	}
	if NextAgent(AgentLinaBell) != AgentStella {
		t.Fatal("LINA_BELL -> STELLA")
	}
	if NextAgent(AgentStella) != AgentDuffy {
		t.Fatal("STELLA -> DUFFY")
	}
}
