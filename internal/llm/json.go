package llm

import (
	"encoding/json"
	"log"
	"strings"
)

// ParseJSONResponse recovers the JSON object from an enrichment completion.
// The prompt asks for bare JSON, but models often wrap the payload in a
// markdown code fence anyway; both forms are accepted. Returns nil when no
// object can be recovered, which callers treat as a degraded enrichment.
func ParseJSONResponse(text string) map[string]any {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "```") {
		// Drop the opening fence line and everything from the matching
		// closing fence on.
		lines := strings.Split(text, "\n")
		endIdx := len(lines) - 1
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		text = strings.Join(lines[1:endIdx], "\n")
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		log.Printf("enrichment response is not valid JSON: %v", err)
		return nil
	}

	return result
}
