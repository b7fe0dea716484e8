package bridgeerr

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestAsFindsWrappedError(t *testing.T) {
	base := CommandBlocked("quit", "process termination")
	wrapped := fmt.Errorf("dispatch: %w", base)

	got, ok := As(wrapped)
	if !ok {
		t.Fatal("expected bridge error in chain")
	}
	if got.Kind != KindCommandBlocked {
		t.Fatalf("expected kind %q, got %q", KindCommandBlocked, got.Kind)
	}
	if got.Data["command"] != "quit" {
		t.Fatalf("expected command data quit, got %v", got.Data["command"])
	}
	if !IsCommandBlocked(wrapped) {
		t.Fatal("expected IsCommandBlocked")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		kind      Kind
		transient bool
	}{
		{KindConnectionTimeout, true},
		{KindConnectionRefused, true},
		{KindConnectionError, true},
		{KindRequestTimeout, true},
		{KindTransport, false},
		{KindNotConnected, false},
		{KindCommandBlocked, false},
		{KindRemoteExecution, false},
	}
	for _, tt := range tests {
		if got := IsTransient(New(tt.kind, "x", nil)); got != tt.transient {
			t.Errorf("kind %s: expected transient=%v, got %v", tt.kind, tt.transient, got)
		}
	}
	if IsTransient(errors.New("plain")) {
		t.Fatal("plain errors are not transient")
	}
}

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), KindConnectionTimeout},
		{"refused errno", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), KindConnectionRefused},
		{"refused text", errors.New("dial tcp 127.0.0.1:30020: connect: connection refused"), KindConnectionRefused},
		{"timeout text", errors.New("i/o timeout"), KindConnectionTimeout},
		{"reset", errors.New("read: connection reset by peer"), KindConnectionError},
		{"eof", errors.New("websocket: unexpected EOF"), KindConnectionError},
		{"unknown", errors.New("something odd"), KindTransport},
		{"malformed url", errors.New("malformed ws or wss URL"), KindTransport},
		{"already classified", NotConnected("call"), KindNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyTransport(tt.err); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(KindConnectionError, errors.New("boom"), "websocket dial failed")
	if err.Error() != "websocket dial failed: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Fatal("expected Unwrap to expose cause")
	}
}
