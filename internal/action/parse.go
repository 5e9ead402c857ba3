// Package action executes AI-proposed operations against the task and
// care-log state machine. Requests arrive either as validated analysis
// operations or as action tags embedded in a chat reply; both funnel
// through the same execution dispatch.
package action

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// Chat action tag types.
const (
	TypeCreateTask    = "create_task"
	TypeCompleteTask  = "complete_task"
	TypeCancelTask    = "cancel_task"
	TypeCreateCareLog = "create_care_log"
)

// Request is one parsed action request: a type tag and its raw JSON
// payload. The payload is validated at execution time, not parse time.
type Request struct {
	Type    string
	Payload json.RawMessage
}

var tagRE = regexp.MustCompile(`(?s)<garden_action\s+type="([a-z_]+)">(.*?)</garden_action>`)

// ParseTags extracts garden_action tags from a chat reply. It returns
// the requests in order of appearance and the reply with all tags
// stripped. A tag whose payload is not valid JSON is skipped with a
// warning; the remaining tags and the visible reply are unaffected.
func ParseTags(reply string, logger *slog.Logger) ([]Request, string) {
	matches := tagRE.FindAllStringSubmatch(reply, -1)

	var requests []Request
	for _, m := range matches {
		typ, payload := m[1], strings.TrimSpace(m[2])
		if !json.Valid([]byte(payload)) {
			logger.Warn("skipping action tag with malformed payload", "type", typ)
			continue
		}
		requests = append(requests, Request{Type: typ, Payload: json.RawMessage(payload)})
	}

	cleaned := strings.TrimSpace(tagRE.ReplaceAllString(reply, ""))
	return requests, cleaned
}
