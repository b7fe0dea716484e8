// Package resultcodec turns the free-form text an embedded script prints into one structured result.
//
// Scripts report their outcome by printing a single line of the form
//
//	RESULT:{"success": true, ...}
//
// Decode scans all captured output for the last such line. Everything else is noise.
package resultcodec

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"unicode/utf8"
)

// Marker prefixes the line carrying a script's JSON result.
const Marker = "RESULT:"

const excerptLimit = 240

// Failure categories reported in ScriptResult.ErrorKind.
const (
	FailureMissingModule    = "missing_module"
	FailureMissingAttribute = "missing_attribute"
	FailureScriptError      = "script_error"
	FailureInvalidPayload   = "invalid_payload"
	FailureNoResult         = "no_result"
)

// logPrefixes are stripped before looking for the marker; the editor echoes prints through its log.
var logPrefixes = []string{
	"LogPython: Error: ",
	"LogPython: Warning: ",
	"LogPython: Display: ",
	"LogPython: ",
	"Cmd: ",
}

// ScriptResult is the decoded outcome of one script execution.
type ScriptResult struct {
	Success   bool           `json:"success"`
	Payload   map[string]any `json:"payload,omitempty"`
	RawText   string         `json:"-"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
}

// Decode extracts the last marker line from raw. It has no side effects.
func Decode(raw string) ScriptResult {
	line, found := findMarkerLine(raw)
	if !found {
		return classifyFailure(raw)
	}

	body := strings.TrimSpace(line)
	var decoded any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return ScriptResult{
			RawText:   raw,
			Error:     fmt.Sprintf("result marker found but payload is not valid JSON: %v (%s)", err, Excerpt(body)),
			ErrorKind: FailureInvalidPayload,
		}
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return ScriptResult{
			Success: true,
			Payload: map[string]any{"value": decoded},
			RawText: raw,
		}
	}

	payload := maps.Clone(obj)
	success := true
	if flag, ok := payload["success"].(bool); ok {
		success = flag
	}
	delete(payload, "success")

	result := ScriptResult{Success: success, Payload: payload, RawText: raw}
	if !success {
		result.ErrorKind = FailureScriptError
		if msg, ok := payload["error"].(string); ok && msg != "" {
			result.Error = msg
		} else if msg, ok := payload["message"].(string); ok && msg != "" {
			result.Error = msg
		} else {
			result.Error = "script reported failure"
		}
	}
	if len(result.Payload) == 0 {
		result.Payload = nil
	}
	return result
}

func findMarkerLine(raw string) (string, bool) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		for _, prefix := range logPrefixes {
			if strings.HasPrefix(line, prefix) {
				line = strings.TrimSpace(strings.TrimPrefix(line, prefix))
				break
			}
		}
		if rest, ok := strings.CutPrefix(line, Marker); ok {
			return rest, true
		}
	}
	return "", false
}

func classifyFailure(raw string) ScriptResult {
	lower := strings.ToLower(raw)
	result := ScriptResult{RawText: raw}

	switch {
	case strings.Contains(lower, "modulenotfounderror") || strings.Contains(lower, "no module named"):
		result.ErrorKind = FailureMissingModule
		result.Error = "Python module not available in the editor: " + firstMatchingLine(raw, "module")
	case strings.Contains(lower, "attributeerror") || strings.Contains(lower, "has no attribute"):
		result.ErrorKind = FailureMissingAttribute
		result.Error = "Editor API is missing an attribute (plugin disabled or engine version mismatch): " + firstMatchingLine(raw, "attribute")
	default:
		result.ErrorKind = FailureNoResult
		if strings.TrimSpace(raw) == "" {
			result.Error = "No parsable result: script produced no output"
		} else {
			result.Error = "No parsable result in script output: " + Excerpt(raw)
		}
	}
	return result
}

func firstMatchingLine(raw, needle string) string {
	for _, line := range strings.Split(raw, "\n") {
		if strings.Contains(strings.ToLower(line), needle) {
			return Excerpt(strings.TrimSpace(line))
		}
	}
	return Excerpt(raw)
}

// Excerpt trims s for diagnostics.
func Excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= excerptLimit {
		return s
	}
	return truncate(s, excerptLimit) + "..."
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
