package resultcodec

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeMarkerAmidNoise(t *testing.T) {
	raw := strings.Join([]string{
		"LogPython: loading editor scripts",
		"LogTemp: Warning: something unrelated",
		`RESULT:{"success":true,"value":42}`,
		"LogPython: done",
	}, "\n")

	got := Decode(raw)
	want := ScriptResult{
		Success: true,
		Payload: map[string]any{"value": float64(42)},
		RawText: raw,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeUsesLastMarkerLine(t *testing.T) {
	raw := "RESULT:{\"success\":false,\"error\":\"first\"}\r\nLogPython: RESULT:{\"success\":true,\"step\":2}\r\n"
	got := Decode(raw)
	if !got.Success {
		t.Fatalf("expected last marker to win, got %+v", got)
	}
	if got.Payload["step"] != float64(2) {
		t.Fatalf("expected step 2, got %v", got.Payload["step"])
	}
}

func TestDecodeIsIdempotent(t *testing.T) {
	inputs := []string{
		`RESULT:{"success":true,"actors":["A","B"]}`,
		"no marker here",
		"Traceback...\nModuleNotFoundError: No module named 'foo'",
		`RESULT:{not json`,
		"",
	}
	for _, raw := range inputs {
		first := Decode(raw)
		second := Decode(raw)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("decode not idempotent for %q:\n%s", raw, diff)
		}
	}
}

func TestDecodeFailureReportedByScript(t *testing.T) {
	got := Decode(`RESULT:{"success":false,"error":"actor not found"}`)
	if got.Success {
		t.Fatal("expected failure")
	}
	if got.Error != "actor not found" {
		t.Fatalf("expected script error text, got %q", got.Error)
	}
	if got.ErrorKind != FailureScriptError {
		t.Fatalf("expected %s, got %s", FailureScriptError, got.ErrorKind)
	}
}

func TestDecodeWithoutMarker(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind string
	}{
		{"missing module", "Traceback (most recent call last):\nModuleNotFoundError: No module named 'numpy'", FailureMissingModule},
		{"missing attribute", "AttributeError: 'EditorLevelLibrary' object has no attribute 'spawn'", FailureMissingAttribute},
		{"plain noise", "LogPython: hello", FailureNoResult},
		{"empty", "", FailureNoResult},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.raw)
			if got.Success {
				t.Fatal("expected failure")
			}
			if got.Error == "" {
				t.Fatal("expected non-empty diagnostic")
			}
			if got.ErrorKind != tt.kind {
				t.Fatalf("expected kind %s, got %s", tt.kind, got.ErrorKind)
			}
		})
	}
}

func TestDecodeTruncatesExcerpt(t *testing.T) {
	raw := strings.Repeat("x", 2000)
	got := Decode(raw)
	if len(got.Error) > excerptLimit+100 {
		t.Fatalf("expected truncated diagnostic, got %d chars", len(got.Error))
	}
	if got.RawText != raw {
		t.Fatal("expected raw text preserved")
	}
}

func TestExcerptKeepsRunesWhole(t *testing.T) {
	raw := strings.Repeat("x", excerptLimit-1) + "é…" + strings.Repeat("y", 50)
	got := Excerpt(raw)
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8, got %q", got[len(got)-8:])
	}
	if want := strings.Repeat("x", excerptLimit-1) + "..."; got != want {
		t.Fatalf("expected cut before the split rune, got %q", got[len(got)-8:])
	}
}

func TestDecodeInvalidPayload(t *testing.T) {
	got := Decode("RESULT:{broken")
	if got.Success || got.ErrorKind != FailureInvalidPayload {
		t.Fatalf("expected invalid payload failure, got %+v", got)
	}
}

func TestDecodeResponse(t *testing.T) {
	resp := map[string]any{
		"ReturnValue": true,
		"LogOutput": []any{
			map[string]any{"Type": "Info", "Output": "noise"},
			map[string]any{"Type": "Info", "Output": `RESULT:{"success":true,"version":"5.3.2"}`},
		},
	}
	got := DecodeResponse(resp)
	if !got.Success || got.Payload["version"] != "5.3.2" {
		t.Fatalf("unexpected result %+v", got)
	}

	failed := DecodeResponse(map[string]any{"ReturnValue": false, "LogOutput": []any{
		map[string]any{"Type": "Error", "Output": "NameError: name 'x' is not defined"},
	}})
	if failed.Success || failed.ErrorKind != FailureScriptError {
		t.Fatalf("expected script error, got %+v", failed)
	}

	silent := DecodeResponse(map[string]any{"ReturnValue": true})
	if !silent.Success {
		t.Fatalf("expected success for true return without output, got %+v", silent)
	}
}
