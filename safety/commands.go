// Package safety classifies console commands, script payloads and view modes before anything reaches
// the editor. Every function here is pure.
package safety

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/slighter12/unreal-bridge-go/bridgeerr"
)

// Verdict is the outcome of checking one command string.
type Verdict struct {
	Blocked bool
	Reason  string
	Pattern string
}

// Process termination and destructive editor commands.
var dangerousCommands = []string{
	"quit",
	"exit",
	"kill",
	"shutdown",
	"restartlevel",
	"forceclose",
	"obj gc",
	"gc.collectgarbage",
	"buildpaths",
	"rebuildnavigation",
	"r.dumpingmovie",
	"stat slow",
	"stat all",
	"delete",
	"destroy",
}

// Commands known to take the editor down.
var crashCommands = []string{
	"debug crash",
	"debug assert",
	"debug ensure",
	"debug fatal",
	"debug gpf",
	"debug stackoverflow",
	"debug hitch",
	"debug recurse",
	"debug threadcrash",
	"r.gpucrash",
	"r.forcecrash",
	"gpudebugcrash",
	"crash",
	"viewmode visualizebuffer basecolor",
	"viewmode visualizebuffer worldnormal",
	"vis basecolor",
	"vis worldnormal",
	"r.dx12",
	"r.vulkan",
	"rhi.",
}

// Shell verbs, matched as whole words so cvars such as r.DefaultBackBufferPixelFormat stay usable.
var shellCommands = []string{
	"rm",
	"rmdir",
	"del",
	"format",
	"reboot",
	"mklink",
}

// Tokens that indicate shell escapes or payload smuggling through the console.
var forbiddenTokens = []string{
	"start \"",
	"system(",
	"import os",
	"import subprocess",
	"subprocess.",
	"os.system",
	"exec(",
	"eval(",
	"__import__",
	"open(",
}

var chainingPattern = regexp.MustCompile(`&&|\|\||;|\||` + "`")

// pythonConsolePrefix matches the console's embedded interpreter entry point.
var pythonConsolePrefix = regexp.MustCompile(`^py(\s|$)`)

// CheckCommand runs every console rule and reports the first match.
func CheckCommand(command string) Verdict {
	trimmed := strings.TrimSpace(command)
	lower := strings.ToLower(trimmed)

	if trimmed == "" {
		return Verdict{Blocked: true, Reason: "empty command"}
	}
	if strings.ContainsAny(command, "\r\n") {
		return Verdict{Blocked: true, Reason: "multi-line payloads are not allowed", Pattern: `\n`}
	}
	if loc := chainingPattern.FindString(trimmed); loc != "" {
		return Verdict{Blocked: true, Reason: "command chaining is not allowed", Pattern: loc}
	}
	if pythonConsolePrefix.MatchString(lower) {
		return Verdict{Blocked: true, Reason: "python must go through the script executor", Pattern: "py"}
	}
	if pattern, ok := matchCommand(lower, crashCommands); ok {
		return Verdict{Blocked: true, Reason: "known crash trigger", Pattern: pattern}
	}
	if pattern, ok := matchCommand(lower, dangerousCommands); ok {
		return Verdict{Blocked: true, Reason: "dangerous command", Pattern: pattern}
	}
	if pattern, ok := matchCommand(lower, shellCommands); ok {
		return Verdict{Blocked: true, Reason: "forbidden token", Pattern: pattern}
	}
	for _, token := range forbiddenTokens {
		if strings.Contains(lower, token) {
			return Verdict{Blocked: true, Reason: "forbidden token", Pattern: strings.TrimSpace(token)}
		}
	}
	return Verdict{}
}

// IsDangerousCommand reports whether command matches any deny rule.
func IsDangerousCommand(command string) bool {
	return CheckCommand(command).Blocked
}

// IsCrashCommand reports whether command matches a known crash trigger.
func IsCrashCommand(command string) bool {
	_, ok := matchCommand(strings.ToLower(strings.TrimSpace(command)), crashCommands)
	return ok
}

// ValidateCommand returns a command_blocked error for commands that must never reach the editor.
func ValidateCommand(command string) error {
	verdict := CheckCommand(command)
	if !verdict.Blocked {
		return nil
	}
	err := bridgeerr.CommandBlocked(command, verdict.Reason)
	if verdict.Pattern != "" {
		err.Data["pattern"] = verdict.Pattern
	}
	return err
}

// matchCommand matches whole words for single-word entries and prefixes or substrings for the rest,
// so "exit" blocks "exit" and "exit 0" without blocking "showexitpoints".
func matchCommand(lower string, list []string) (string, bool) {
	fields := strings.Fields(lower)
	for _, entry := range list {
		if strings.ContainsAny(entry, " .") {
			if strings.Contains(lower, entry) {
				return entry, true
			}
			continue
		}
		for _, field := range fields {
			if field == entry {
				return entry, true
			}
		}
	}
	return "", false
}

var scriptDenyTokens = []string{
	"subprocess",
	"os.system",
	"os.popen",
	"os.exec",
	"shutil.rmtree",
	"quit_editor",
	"sys.exit",
	"os._exit",
}

// CheckScript rejects embedded scripts that spawn processes or close the editor.
func CheckScript(code string) Verdict {
	if strings.TrimSpace(code) == "" {
		return Verdict{Blocked: true, Reason: "empty script"}
	}
	lower := strings.ToLower(code)
	for _, token := range scriptDenyTokens {
		if strings.Contains(lower, token) {
			return Verdict{Blocked: true, Reason: "script uses a forbidden call", Pattern: token}
		}
	}
	return Verdict{}
}

const scriptExcerptLimit = 80

// clip cuts s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ValidateScript is the error-returning form of CheckScript.
func ValidateScript(code string) error {
	verdict := CheckScript(code)
	if !verdict.Blocked {
		return nil
	}
	err := bridgeerr.CommandBlocked(clip(code, scriptExcerptLimit), verdict.Reason)
	if verdict.Pattern != "" {
		err.Data["pattern"] = verdict.Pattern
	}
	return err
}
