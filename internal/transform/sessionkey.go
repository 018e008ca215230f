package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"
)

// conversationIDFields are client-supplied ids accepted as the conversation
// key, checked in order at the top level and under extra_body.
var conversationIDFields = []string{
	"conversationId", "conversation_id",
	"threadId", "thread_id",
	"sessionId", "session_id",
}

// SessionKey builds the composite signature-cache key. The key must be
// stable across turns of the same conversation without any server-issued id,
// so the fallback hashes the system instruction and first user text.
func SessionKey(pluginSessionUUID, model, projectKey string, body []byte) string {
	return pluginSessionUUID + ":" + strings.ToLower(model) + ":" + projectKey + ":" + ConversationKey(body)
}

// ConversationKey derives a stable per-conversation discriminator: a
// client-supplied conversation/thread/session id when present, else a 16-hex
// digest of the system instruction and first user text, else "default".
func ConversationKey(body []byte) string {
	for _, field := range conversationIDFields {
		if v := gjson.GetBytes(body, field); v.Exists() && v.String() != "" {
			return v.String()
		}
		if v := gjson.GetBytes(body, "extra_body."+field); v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	systemText := firstText(gjson.GetBytes(body, "systemInstruction.parts"))
	if systemText == "" {
		systemText = firstText(gjson.GetBytes(body, "system_instruction.parts"))
	}
	if systemText == "" {
		systemText = gjson.GetBytes(body, "system").String()
	}
	userText := firstUserText(body)

	if systemText == "" && userText == "" {
		return "default"
	}
	sum := sha256.Sum256([]byte(systemText + "|" + userText))
	return hex.EncodeToString(sum[:])[:16]
}

func firstText(parts gjson.Result) string {
	if !parts.IsArray() {
		return ""
	}
	for _, part := range parts.Array() {
		if text := part.Get("text").String(); text != "" {
			return text
		}
	}
	return ""
}

func firstUserText(body []byte) string {
	contents := gjson.GetBytes(body, "contents")
	if !contents.IsArray() {
		contents = gjson.GetBytes(body, "messages")
	}
	if !contents.IsArray() {
		return ""
	}
	for _, content := range contents.Array() {
		if content.Get("role").String() != "user" {
			continue
		}
		if text := firstText(content.Get("parts")); text != "" {
			return text
		}
		inner := content.Get("content")
		if inner.Type == gjson.String && inner.String() != "" {
			return inner.String()
		}
		if inner.IsArray() {
			for _, block := range inner.Array() {
				if block.Get("type").String() == "text" && block.Get("text").String() != "" {
					return block.Get("text").String()
				}
			}
		}
	}
	return ""
}
