package safety

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/slighter12/unreal-bridge-go/bridgeerr"
)

func TestCheckCommandBlocksDenyList(t *testing.T) {
	blocked := []string{
		"quit",
		"  QUIT  ",
		"exit 0",
		"debug crash",
		"r.GPUCrash",
		"stat fps; quit",
		"stat fps && stat unit",
		"stat unit | more",
		"stat fps\nquit",
		"py import unreal",
		"obj gc",
		"viewmode visualizebuffer basecolor",
		"ke * os.system('x')",
		"format c:",
		"rm -rf /",
		"RMDIR saved",
		"reboot",
		"",
	}
	for _, cmd := range blocked {
		if !IsDangerousCommand(cmd) {
			t.Errorf("expected %q to be blocked", cmd)
		}
	}
}

func TestCheckCommandAllowsOrdinaryCommands(t *testing.T) {
	allowed := []string{
		"stat fps",
		"stat unit",
		"viewmode lit",
		"show collision",
		"r.ScreenPercentage 75",
		"t.MaxFPS 60",
		"showexitpoints",
		"r.DefaultBackBufferPixelFormat 4",
		"r.Shadow.FilterMethod 1",
		"stat rhi",
		"r.Streaming.PoolSize 3000",
	}
	for _, cmd := range allowed {
		if verdict := CheckCommand(cmd); verdict.Blocked {
			t.Errorf("expected %q to be allowed, blocked by %q (%s)", cmd, verdict.Pattern, verdict.Reason)
		}
	}
}

func TestIsCrashCommand(t *testing.T) {
	if !IsCrashCommand("debug crash") {
		t.Fatal("expected debug crash to be a crash command")
	}
	if IsCrashCommand("quit") {
		t.Fatal("quit is dangerous but not a crash trigger")
	}
}

func TestValidateCommandReturnsCommandBlocked(t *testing.T) {
	err := ValidateCommand("quit")
	if err == nil {
		t.Fatal("expected error")
	}
	bridgeErr, ok := bridgeerr.As(err)
	if !ok {
		t.Fatalf("expected bridge error, got %T", err)
	}
	if bridgeErr.Kind != bridgeerr.KindCommandBlocked {
		t.Fatalf("expected command_blocked, got %s", bridgeErr.Kind)
	}
	if bridgeErr.Data["pattern"] != "quit" {
		t.Fatalf("expected pattern quit, got %v", bridgeErr.Data["pattern"])
	}
	if err := ValidateCommand("stat fps"); err != nil {
		t.Fatalf("expected stat fps to pass, got %v", err)
	}
}

func TestValidateScript(t *testing.T) {
	if err := ValidateScript("import unreal\nprint('RESULT:{}')"); err != nil {
		t.Fatalf("expected script to pass, got %v", err)
	}
	for _, code := range []string{"import subprocess\nsubprocess.run(['ls'])", "unreal.SystemLibrary.quit_editor()", "   "} {
		if !bridgeerr.IsCommandBlocked(ValidateScript(code)) {
			t.Errorf("expected script %q to be blocked", code)
		}
	}
}

func TestValidateScriptExcerptIsValidUTF8(t *testing.T) {
	code := strings.Repeat("#", scriptExcerptLimit-1) + "é\nimport subprocess"
	bridgeErr, ok := bridgeerr.As(ValidateScript(code))
	if !ok {
		t.Fatal("expected bridge error")
	}
	excerpt, _ := bridgeErr.Data["command"].(string)
	if !utf8.ValidString(excerpt) {
		t.Fatalf("expected valid UTF-8 excerpt, got %q", excerpt)
	}
	if len(excerpt) != scriptExcerptLimit-1 {
		t.Fatalf("expected excerpt cut before the split rune, got %d bytes", len(excerpt))
	}
}

func TestResolveViewModeNormalizesNames(t *testing.T) {
	tests := []struct {
		input     string
		canonical string
		class     ModeClass
	}{
		{"lit", "Lit", ModeSafe},
		{"  WIRE frame ", "Wireframe", ModeSafe},
		{"wire", "Wireframe", ModeSafe},
		{"lighting-only", "LightingOnly", ModeSafe},
		{"shader_complexity", "ShaderComplexity", ModeSoftUnsafe},
		{"Base Color", "BaseColor", ModeHardBlocked},
		{"albedo", "BaseColor", ModeHardBlocked},
	}
	for _, tt := range tests {
		res, err := ResolveViewMode(tt.input)
		if err != nil {
			t.Fatalf("resolve %q: %v", tt.input, err)
		}
		if res.Canonical != tt.canonical || res.Class != tt.class {
			t.Errorf("resolve %q: expected %s/%s, got %s/%s", tt.input, tt.canonical, tt.class, res.Canonical, res.Class)
		}
	}
}

func TestResolveViewModeSubstitutesHardBlocked(t *testing.T) {
	res, err := ResolveViewMode("BaseColor")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Substituted {
		t.Fatal("expected substitution")
	}
	if res.Applied != "Lit" {
		t.Fatalf("expected Lit alternative, got %s", res.Applied)
	}
	if res.Command != "viewmode Lit" {
		t.Fatalf("expected viewmode Lit, got %s", res.Command)
	}
	if res.Warning == "" {
		t.Fatal("expected substitution warning")
	}
}

func TestResolveViewModeSoftUnsafeKeepsModeWithWarning(t *testing.T) {
	res, err := ResolveViewMode("PathTracing")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Substituted || res.Applied != "PathTracing" {
		t.Fatalf("expected PathTracing applied as-is, got %+v", res)
	}
	if res.Warning == "" {
		t.Fatal("expected warning for soft-unsafe mode")
	}
}

func TestResolveViewModeUnknown(t *testing.T) {
	_, err := ResolveViewMode("hologram")
	bridgeErr, ok := bridgeerr.As(err)
	if !ok || bridgeErr.Kind != bridgeerr.KindUnknownMode {
		t.Fatalf("expected unknown_mode, got %v", err)
	}
	accepted, _ := bridgeErr.Data["accepted"].([]string)
	if !slices.Contains(accepted, "Lit") || !slices.Contains(accepted, "Wireframe") {
		t.Fatalf("expected accepted list with canonical names, got %v", accepted)
	}
}
