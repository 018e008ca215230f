package repair

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestPairClaudeMessages_AdoptsUnmatchedIDs(t *testing.T) {
	t.Parallel()

	body := []byte(`{"messages":[
		{"role":"assistant","content":[{"type":"tool_use","id":"use-1","name":"grep","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","content":"out"}]}
	]}`)

	out := PairClaudeMessages(body)

	if got := gjson.GetBytes(out, "messages.1.content.0.tool_use_id").String(); got != "use-1" {
		t.Errorf("tool_use_id = %q, want adopted id", got)
	}
}

func TestPairClaudeMessages_AssignsSyntheticUseIDs(t *testing.T) {
	t.Parallel()

	body := []byte(`{"messages":[
		{"role":"assistant","content":[{"type":"tool_use","name":"grep","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","content":"out"}]}
	]}`)

	out := PairClaudeMessages(body)

	useID := gjson.GetBytes(out, "messages.0.content.0.id").String()
	if useID == "" {
		t.Fatal("missing tool_use id should be synthesized")
	}
	if got := gjson.GetBytes(out, "messages.1.content.0.tool_use_id").String(); got != useID {
		t.Errorf("tool_use_id = %q, want %q", got, useID)
	}
}

func TestPairClaudeMessages_NuclearDropsOrphans(t *testing.T) {
	t.Parallel()

	// Two results claim the same use: pairing cannot satisfy the invariants,
	// so orphaned tool blocks are dropped wholesale.
	body := []byte(`{"messages":[
		{"role":"assistant","content":[{"type":"tool_use","id":"use-1","name":"grep","input":{}}]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"use-1","content":"first"},
			{"type":"tool_result","tool_use_id":"use-1","content":"second"},
			{"type":"text","text":"carry on"}
		]}
	]}`)

	out := PairClaudeMessages(body)

	if gotText := gjson.GetBytes(out, "messages.#(role==\"user\").content.#(type==\"text\").text").String(); gotText != "carry on" {
		t.Errorf("plain text block must survive the nuclear pass, got %q", gotText)
	}
}
