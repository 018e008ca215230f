package repair

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestAnalyze_ToolLoopWithoutThinking(t *testing.T) {
	t.Parallel()

	body := wrapContents(`[
		{"role":"user","parts":[{"text":"do the task"}]},
		{"role":"model","parts":[{"functionCall":{"name":"read_file","id":"a","args":{}}}]},
		{"role":"user","parts":[{"functionResponse":{"id":"a","name":"read_file","response":{"result":"data"}}}]}
	]`)

	analysis := Analyze(body)
	if !analysis.InToolLoop {
		t.Error("conversation ending on a tool response is a tool loop")
	}
	if analysis.TurnStartIdx != 1 {
		t.Errorf("TurnStartIdx = %d, want 1", analysis.TurnStartIdx)
	}
	if analysis.TurnHasThinking {
		t.Error("turn has no signed thinking")
	}
	if !analysis.NeedsThinkingRecovery() {
		t.Error("tool loop without thinking needs recovery")
	}
}

func TestAnalyze_SignedThinkingPreventsRecovery(t *testing.T) {
	t.Parallel()

	body := wrapContents(`[
		{"role":"user","parts":[{"text":"do the task"}]},
		{"role":"model","parts":[
			{"thought":true,"text":"planning","thoughtSignature":"` + testSig + `"},
			{"functionCall":{"name":"read_file","id":"a","args":{}}}
		]},
		{"role":"user","parts":[{"functionResponse":{"id":"a","name":"read_file","response":{"result":"data"}}}]}
	]`)

	analysis := Analyze(body)
	if !analysis.InToolLoop || !analysis.TurnHasThinking {
		t.Fatalf("analysis = %+v, want tool loop with signed thinking", analysis)
	}
	if analysis.NeedsThinkingRecovery() {
		t.Error("signed thinking anchors the turn, no recovery needed")
	}
}

func TestAnalyze_NotInToolLoop(t *testing.T) {
	t.Parallel()

	body := wrapContents(`[
		{"role":"user","parts":[{"text":"question"}]},
		{"role":"model","parts":[{"text":"answer"}]}
	]`)

	analysis := Analyze(body)
	if analysis.InToolLoop {
		t.Error("conversation ending on model text is not a tool loop")
	}
	if analysis.NeedsThinkingRecovery() {
		t.Error("no recovery outside a tool loop")
	}
}

func TestApplyRestart_RewritesConversation(t *testing.T) {
	t.Parallel()

	body := wrapContents(`[
		{"role":"user","parts":[{"text":"do the task"}]},
		{"role":"model","parts":[
			{"thought":true,"text":"unsigned thinking"},
			{"functionCall":{"name":"read_file","id":"a","args":{}}}
		]},
		{"role":"user","parts":[{"functionResponse":{"id":"a","name":"read_file","response":{"result":"data"}}}]}
	]`)

	out := ApplyRestart(body, "continue")

	if strings.Contains(string(out), `"thought"`) {
		t.Fatal("restart must strip every thinking block")
	}

	contents := gjson.GetBytes(out, "request.contents").Array()
	if len(contents) < 2 {
		t.Fatalf("contents = %d entries", len(contents))
	}
	closing := contents[len(contents)-2]
	if closing.Get("role").String() != "model" {
		t.Errorf("second-to-last role = %q, want synthetic model close", closing.Get("role").String())
	}
	resume := contents[len(contents)-1]
	if resume.Get("role").String() != "user" {
		t.Errorf("last role = %q, want synthetic user resume", resume.Get("role").String())
	}
	if resume.Get("parts.0.text").String() != "continue" {
		t.Errorf("resume text = %q, want configured prompt", resume.Get("parts.0.text").String())
	}
}
