package queen

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/hive/internal/knowledge"
	"github.com/mohammad-safakhou/hive/internal/store"
)

const instructions = `You are %s, the queen agent. You coordinate a team of subordinate agents.

YOUR ROLE:
1. Receive requests from the operator and escalations from subordinates.
2. Analyse the situation with the knowledge and registry data below.
3. Decide which actions to take.
4. Create specialised subordinate agents when needed.
5. Manage existing agents: adjust, pause or delete them.

To request a structural change, answer with exactly one JSON object in one of these shapes:

Create an agent:
{"action":"create_agent","spec":{"name":"...","provider":"ollama","model":"...","description":"...","prompt":"...","channels":["..."]}}

Adjust an agent:
{"action":"adjust_agent","agent_id":"...","changes":{"prompt":"...","model":"..."}}

Pause an agent:
{"action":"pause_agent","agent_id":"...","reason":"..."}

Delete an agent:
{"action":"delete_agent","agent_id":"...","reason":"..."}

Analysis without changes:
{"action":"analyze","content":"..."}

RULES:
- Prefer the local low-cost model for new agents.
- Explain a decision before the JSON object.
- Never create an agent without a clear purpose.
- Ask for data before acting when you do not have enough.
- Use agent ids exactly as listed under CURRENT AGENTS.

If the message is a normal conversation, answer normally without JSON.`

// bundle is the context sent to the model as the system prompt.
type bundle struct {
	name      string
	snippets  []knowledge.Snippet
	agents    []store.Agent
	decisions []store.Decision
}

func (b bundle) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, instructions, b.name)

	if len(b.snippets) > 0 {
		sb.WriteString("\n\nKNOWLEDGE BASE CONTEXT:\n")
		sb.WriteString(knowledge.FormatSnippets(b.snippets))
	}
	if len(b.agents) > 0 {
		sb.WriteString("\n\nCURRENT AGENTS:")
		for _, a := range b.agents {
			desc := a.Description
			if desc == "" {
				desc = "no description"
			}
			state := a.Status
			if a.Deleted() {
				state += ", deleted"
			}
			fmt.Fprintf(&sb, "\n- %s [id=%s] (%s, %s, %s/%s, %d active tasks) - %s",
				a.Name, a.ID, a.Kind, state, a.ModelProvider, a.ModelName, a.ActiveTasks, desc)
		}
	}
	if len(b.decisions) > 0 {
		sb.WriteString("\n\nRECENT DECISIONS:")
		for _, d := range b.decisions {
			fmt.Fprintf(&sb, "\n- [%s] %s: %s", d.Status, d.Type, clip(oneLine(d.Text), 300))
			if d.Result != "" {
				fmt.Fprintf(&sb, " => %s", clip(d.Result, 120))
			}
		}
	}
	return sb.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
