package resultcodec

import (
	"fmt"
	"strings"
)

// TextFromResponse collects the printable output of a Remote Control call response: log output lines,
// CommandResult and a string ReturnValue, in that order.
func TextFromResponse(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	var parts []string

	if entries, ok := resp["LogOutput"].([]any); ok {
		for _, entry := range entries {
			switch e := entry.(type) {
			case map[string]any:
				if out, ok := e["Output"].(string); ok && out != "" {
					parts = append(parts, out)
				}
			case string:
				if e != "" {
					parts = append(parts, e)
				}
			}
		}
	}
	if cmdResult, ok := resp["CommandResult"].(string); ok && cmdResult != "" {
		parts = append(parts, cmdResult)
	}
	if ret, ok := resp["ReturnValue"].(string); ok && ret != "" {
		parts = append(parts, ret)
	}
	return strings.Join(parts, "\n")
}

// ReturnFlag reports a boolean ReturnValue when the response has one.
func ReturnFlag(resp map[string]any) (value bool, present bool) {
	if resp == nil {
		return false, false
	}
	value, present = resp["ReturnValue"].(bool)
	return value, present
}

// DecodeResponse decodes a Remote Control script response. A false ReturnValue with no marker line is
// reported as a script error carrying whatever log text came back.
func DecodeResponse(resp map[string]any) ScriptResult {
	text := TextFromResponse(resp)
	result := Decode(text)
	if _, found := findMarkerLine(text); found {
		return result
	}
	if ok, present := ReturnFlag(resp); present {
		if ok {
			return ScriptResult{Success: true, RawText: text}
		}
		result.ErrorKind = FailureScriptError
		if strings.TrimSpace(text) == "" {
			result.Error = "Script execution returned false"
		} else {
			result.Error = fmt.Sprintf("Script execution returned false: %s", Excerpt(text))
		}
	}
	return result
}
