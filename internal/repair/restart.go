package repair

import (
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// turnCloseText closes the interrupted tool loop when the conversation is
// rewritten; the paired resume prompt then opens a fresh turn.
const turnCloseText = "I was interrupted while running tools and will restart from here."

// Analysis describes the thinking state of the current conversation turn.
type Analysis struct {
	// InToolLoop is true when the conversation ends on a tool response,
	// meaning the model is expected to continue the same assistant turn.
	InToolLoop bool
	// TurnStartIdx is the index of the first model content after the last
	// real user message, or -1.
	TurnStartIdx int
	// TurnHasThinking is true when that model content carries a signed
	// thinking block.
	TurnHasThinking bool
}

// NeedsThinkingRecovery reports whether the destructive restart is required:
// mid-tool-loop with no signed thinking to anchor the turn.
func (a Analysis) NeedsThinkingRecovery() bool {
	return a.InToolLoop && !a.TurnHasThinking
}

// Analyze inspects a wrapped body's conversation.
func Analyze(body []byte) Analysis {
	contentsNode := gjson.GetBytes(body, "request.contents")
	if !contentsNode.IsArray() {
		return Analysis{TurnStartIdx: -1}
	}
	contents := decodeContents(contentsNode.Raw)
	if len(contents) == 0 {
		return Analysis{TurnStartIdx: -1}
	}

	analysis := Analysis{TurnStartIdx: -1}

	last := contents[len(contents)-1]
	analysis.InToolLoop = containsFunctionResponse(last)

	lastUser := -1
	for i, content := range contents {
		if content["role"] == "user" && containsUserText(content) {
			lastUser = i
		}
	}
	for i := lastUser + 1; i < len(contents); i++ {
		if contents[i]["role"] == "model" {
			analysis.TurnStartIdx = i
			analysis.TurnHasThinking = hasSignedThought(contents[i])
			break
		}
	}
	return analysis
}

// ApplyRestart performs the crash-and-restart rewrite: all thinking is
// stripped, a synthetic model message closes the broken turn, and a
// synthetic user message carrying the resume prompt opens a fresh one. The
// caller clears the session's cached last thinking afterwards; nothing of
// the old turn's thinking may survive.
func ApplyRestart(body []byte, resumeText string) []byte {
	contentsNode := gjson.GetBytes(body, "request.contents")
	if !contentsNode.IsArray() {
		return body
	}
	contents := decodeContents(contentsNode.Raw)
	if contents == nil {
		return body
	}
	log.Warn("repair: applying crash-and-restart recovery, thinking state discarded")

	contents = StripAllThinking(contents)
	contents = append(contents,
		map[string]interface{}{
			"role":  "model",
			"parts": []interface{}{map[string]interface{}{"text": turnCloseText}},
		},
		map[string]interface{}{
			"role":  "user",
			"parts": []interface{}{map[string]interface{}{"text": resumeText}},
		},
	)
	return writeContents(body, contents)
}

func containsFunctionResponse(content map[string]interface{}) bool {
	parts, _ := content["parts"].([]interface{})
	for _, raw := range parts {
		part, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if _, isResponse := part["functionResponse"]; isResponse {
			return true
		}
	}
	return false
}

// containsUserText reports whether the content carries real user text, as
// opposed to being only a tool-response turn or a synthetic resume prompt.
func containsUserText(content map[string]interface{}) bool {
	parts, _ := content["parts"].([]interface{})
	for _, raw := range parts {
		part, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if _, isResponse := part["functionResponse"]; isResponse {
			continue
		}
		if text, okText := part["text"].(string); okText && text != "" {
			return true
		}
	}
	return false
}
