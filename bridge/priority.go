package bridge

import (
	"strings"

	"github.com/slighter12/unreal-bridge-go/connection"
)

// Queue priorities. Lower runs first.
const (
	PriorityHeavy    = 1
	PriorityMutation = 5
	PriorityScript   = 5
	PriorityConsole  = 7
	PriorityProbe    = 9
)

var heavyMarkers = []string{"build", "cook", "lighting", "package", "bake", "rebuild"}

var mutationPrefixes = []string{"spawn", "create", "delete", "destroy", "set", "import", "add", "remove"}

var probePrefixes = []string{"stat", "show", "version", "plugin", "ping", "get", "list", "find", "is"}

// ConsolePriority derives a queue priority from a console command.
func ConsolePriority(command string) int {
	lower := strings.ToLower(strings.TrimSpace(command))
	first := lower
	if fields := strings.Fields(lower); len(fields) > 0 {
		first = fields[0]
	}
	switch {
	case containsAny(first, heavyMarkers):
		return PriorityHeavy
	case hasAnyPrefix(first, probePrefixes):
		return PriorityProbe
	case hasAnyPrefix(first, mutationPrefixes):
		return PriorityMutation
	default:
		return PriorityConsole
	}
}

// CallPriority derives a queue priority from a raw remote call.
func CallPriority(cmd connection.Command) int {
	if command, ok := cmd.Parameters["Command"].(string); ok {
		return ConsolePriority(command)
	}
	name := strings.ToLower(cmd.FunctionName)
	switch {
	case containsAny(name, heavyMarkers):
		return PriorityHeavy
	case hasAnyPrefix(name, probePrefixes):
		return PriorityProbe
	case hasAnyPrefix(name, mutationPrefixes):
		return PriorityMutation
	default:
		return PriorityConsole
	}
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
