package orchestrator

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bayred/friends-bar/internal/protocol"
)

//go:embed templates/*.tmpl
var builtinTemplates embed.FS

// promptBuilder assembles per-turn prompts from the shared system template
// and the per-role agent templates. Templates come from a prompt directory
// when configured, falling back to the embedded defaults.
type promptBuilder struct {
	dir     string
	history *historySummarizer
}

func newPromptBuilder(dir string, history *historySummarizer) *promptBuilder {
	return &promptBuilder{dir: dir, history: history}
}

// loadTemplate reads <name>.tmpl from the prompt directory, else the
// embedded copy.
func (p *promptBuilder) loadTemplate(name string) string {
	if p.dir != "" {
		if b, err := os.ReadFile(filepath.Join(p.dir, name+".tmpl")); err == nil {
			return string(b)
		}
	}
	b, err := builtinTemplates.ReadFile("templates/" + name + ".tmpl")
	if err != nil {
		return ""
	}
	return string(b)
}

func substitute(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func templateNameFor(role protocol.Role) string {
	switch role {
	case protocol.RolePlan:
		return "plan"
	case protocol.RoleReview:
		return "review"
	default:
		return "delivery"
	}
}

// roleTaskGoal specializes the user request for review turns: the
// reviewer verifies the delivery against the goal instead of executing it.
func roleTaskGoal(role protocol.Role, userRequest string) string {
	if role == protocol.RoleReview {
		return fmt.Sprintf("对以下任务的交付做验收评审：%s", userRequest)
	}
	return userRequest
}

func modeClause(responseMode string) string {
	if responseMode == "execute" {
		return "运行模式：execute。你可以使用工具在执行目录内读写文件、运行命令。"
	}
	return "运行模式：text_only。禁止使用任何工具，禁止写文件，仅输出文本回答。"
}

// outputRules are the hard-wired output constraints appended to every
// prompt.
const outputRules = `输出要求（必须全部满足）：
1) 输出必须是且仅是一个 JSON 对象；第一个字节是 {，最后一个字节是 }；
2) 不要使用 Markdown 代码块包裹；
3) JSON 必须符合下方 schema；
4) next_question 字段必须包含问号（? 或 ？）。`

// turnPromptInput feeds BuildTurnPrompt.
type turnPromptInput struct {
	UserRequest  string
	Agent        Profile
	Peer         Profile
	Workdir      string
	ResponseMode string
	Transcript   []TurnRecord
}

// BuildTurnPrompt assembles the first-attempt prompt for one turn.
func (p *promptBuilder) BuildTurnPrompt(in turnPromptInput) string {
	historyText := p.history.Summarize(in.Transcript)
	question := peerQuestion(in.Transcript)
	questionBlock := ""
	if question != "" {
		questionBlock = fmt.Sprintf("对方刚才的问题：%s\n\n", question)
	}

	system := substitute(p.loadTemplate("system"), map[string]string{
		"task_goal":           roleTaskGoal(in.Agent.Role, in.UserRequest),
		"workdir":             in.Workdir,
		"history":             historyText,
		"peer_question_block": questionBlock,
		"agent_display":       in.Agent.Display,
		"agent_id":            string(in.Agent.ID),
		"mission":             in.Agent.Mission,
	})
	roleText := substitute(p.loadTemplate(templateNameFor(in.Agent.Role)), map[string]string{
		"peer_display": in.Peer.Display,
	})

	var b strings.Builder
	b.WriteString(strings.TrimRight(system, "\n"))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimRight(roleText, "\n"))
	b.WriteString("\n\n")
	b.WriteString(modeClause(in.ResponseMode))
	b.WriteString("\n\n")
	b.WriteString(outputRules)
	b.WriteString("\n\n输出 schema（")
	b.WriteString(protocol.SchemaVersionFor(in.Agent.Role))
	b.WriteString("）：\n")
	b.WriteString(protocol.RenderSchema(in.Agent.Role))
	return b.String()
}

const repairOutputMaxChars = 1500

// BuildRepairPrompt wraps the base prompt with the previous attempt's
// validation errors, a truncated copy of the previous output, and the
// exact expected schema.
func (p *promptBuilder) BuildRepairPrompt(base string, role protocol.Role, diags []protocol.Diag, previousOutput string) string {
	var b strings.Builder
	b.WriteString("你上一次的输出未通过协议校验，必须修正后重新输出。\n\n")
	b.WriteString("校验错误：\n")
	for _, d := range diags {
		fmt.Fprintf(&b, "- [%s] %s\n", d.Code, d.Message)
	}
	b.WriteString("\n你上一次的输出（截断）：\n")
	b.WriteString(truncateRunes(previousOutput, repairOutputMaxChars))
	b.WriteString("\n\n请严格按照以下 schema 重新输出一个 JSON 对象（")
	b.WriteString(protocol.SchemaVersionFor(role))
	b.WriteString("）：\n")
	b.WriteString(protocol.RenderSchema(role))
	b.WriteString("\n\n原始任务提示：\n")
	b.WriteString(base)
	return b.String()
}
