package repair

import (
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/antigravity-broker/internal/cache"
)

// SignatureSource is the cache surface the backfill needs.
type SignatureSource interface {
	Get(sessionKey, text string) (string, bool)
	LastThinking(sessionKey string) (text, signature string, ok bool)
}

// BackfillSignatures walks a wrapped body and repairs thinking blocks for
// resubmission:
//
//  1. thinking parts missing a valid signature get one from the cache when
//     the verbatim text is known
//  2. model turns that call tools but carry no signed thinking get the
//     session's last signed thinking prepended
//  3. thinking parts that are still unsigned are stripped, since the
//     upstream rejects them outright
func BackfillSignatures(body []byte, sessionKey string, source SignatureSource) []byte {
	contentsNode := gjson.GetBytes(body, "request.contents")
	if !contentsNode.IsArray() {
		return body
	}
	contents := decodeContents(contentsNode.Raw)
	if contents == nil {
		return body
	}

	restored := 0
	forEachPart(contents, func(part map[string]interface{}) {
		if !isThought(part) || hasValidSignature(part) {
			return
		}
		text, _ := part["text"].(string)
		if text == "" {
			return
		}
		if signature, ok := source.Get(sessionKey, text); ok {
			part["thoughtSignature"] = signature
			restored++
		}
	})
	if restored > 0 {
		log.Debugf("repair: restored %d thinking signatures from cache", restored)
	}

	for _, content := range contents {
		if content["role"] != "model" || !containsFunctionCall(content) || hasSignedThought(content) {
			continue
		}
		text, signature, ok := source.LastThinking(sessionKey)
		if !ok {
			continue
		}
		parts, _ := content["parts"].([]interface{})
		synthetic := map[string]interface{}{
			"thought":          true,
			"text":             text,
			"thoughtSignature": signature,
		}
		content["parts"] = append([]interface{}{synthetic}, parts...)
		log.Debug("repair: prepended cached thinking before tool-use turn")
	}

	contents = stripUnsignedThoughts(contents)
	return writeContents(body, contents)
}

// StripAllThinking removes every thinking part; used by the crash-and-restart
// rewrite.
func StripAllThinking(contents []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(contents))
	for _, content := range contents {
		parts, ok := content["parts"].([]interface{})
		if !ok {
			out = append(out, content)
			continue
		}
		kept := make([]interface{}, 0, len(parts))
		for _, raw := range parts {
			if part, okPart := raw.(map[string]interface{}); okPart && isThought(part) {
				continue
			}
			kept = append(kept, raw)
		}
		if len(kept) == 0 {
			continue
		}
		content["parts"] = kept
		out = append(out, content)
	}
	return out
}

func stripUnsignedThoughts(contents []map[string]interface{}) []map[string]interface{} {
	dropped := 0
	out := make([]map[string]interface{}, 0, len(contents))
	for _, content := range contents {
		parts, ok := content["parts"].([]interface{})
		if !ok {
			out = append(out, content)
			continue
		}
		kept := make([]interface{}, 0, len(parts))
		for _, raw := range parts {
			if part, okPart := raw.(map[string]interface{}); okPart && isThought(part) && !hasValidSignature(part) {
				dropped++
				continue
			}
			kept = append(kept, raw)
		}
		if len(kept) == 0 {
			continue
		}
		content["parts"] = kept
		out = append(out, content)
	}
	if dropped > 0 {
		log.Debugf("repair: stripped %d unsigned thinking blocks", dropped)
	}
	return out
}

func isThought(part map[string]interface{}) bool {
	thought, _ := part["thought"].(bool)
	return thought
}

func hasValidSignature(part map[string]interface{}) bool {
	signature, _ := part["thoughtSignature"].(string)
	return cache.HasValidSignature(signature)
}

func containsFunctionCall(content map[string]interface{}) bool {
	parts, _ := content["parts"].([]interface{})
	for _, raw := range parts {
		part, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if _, isCall := part["functionCall"]; isCall {
			return true
		}
	}
	return false
}

func hasSignedThought(content map[string]interface{}) bool {
	parts, _ := content["parts"].([]interface{})
	for _, raw := range parts {
		part, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if isThought(part) && hasValidSignature(part) {
			return true
		}
	}
	return false
}
