package rest

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/orchestrator/errs"
)

// errorBody covers the error shapes the backend emits: {"detail": "..."},
// {"detail": [{"loc": [...], "msg": "..."}]}, {"error": "..."} and {"message": "..."}.
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

type validationIssue struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

func parseError(op string, status int, body []byte) *errs.E {
	message, fields := extractErrorDetail(body)
	if message == "" {
		message = http.StatusText(status)
	}
	opts := []errs.Option{}
	if len(fields) > 0 {
		opts = append(opts, errs.WithFields(fields))
	}
	if status == http.StatusTooManyRequests {
		opts = append(opts, errs.WithRemediation("retry after a short delay"))
	}
	return errs.FromStatus(op, status, message, opts...)
}

func extractErrorDetail(body []byte) (string, map[string]string) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", nil
	}
	var parsed errorBody
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return strings.TrimSpace(string(trimmed)), nil
	}

	if len(parsed.Detail) > 0 {
		var text string
		if err := json.Unmarshal(parsed.Detail, &text); err == nil && text != "" {
			return text, nil
		}
		var issues []validationIssue
		if err := json.Unmarshal(parsed.Detail, &issues); err == nil && len(issues) > 0 {
			fields := make(map[string]string, len(issues))
			for _, issue := range issues {
				fields[fieldName(issue.Loc)] = issue.Msg
			}
			return issues[0].Msg, fields
		}
	}
	if parsed.Error != "" {
		return parsed.Error, nil
	}
	return parsed.Message, nil
}

// fieldName joins a validation location, dropping the leading "body"/"query" segment.
func fieldName(loc []any) string {
	parts := make([]string, 0, len(loc))
	for i, segment := range loc {
		text := fmt.Sprint(segment)
		if i == 0 && (text == "body" || text == "query" || text == "path") && len(loc) > 1 {
			continue
		}
		parts = append(parts, text)
	}
	if len(parts) == 0 {
		return "_"
	}
	return strings.Join(parts, ".")
}
