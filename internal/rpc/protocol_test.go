package rpc

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestLineBuffer_TwoFramesInOneDelivery(t *testing.T) {
	b := NewLineBuffer(0)
	frames, err := b.Feed([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}` + "\n" + `{"jsonrpc":"2.0","id":2,"result":{}}` + "\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	for i, f := range frames {
		m, err := Decode(f)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		id, ok := m.SequenceID()
		if !ok || id != int64(i+1) {
			t.Errorf("frame %d: id = %d (%v), want %d", i, id, ok, i+1)
		}
	}
	if b.Pending() != 0 {
		t.Errorf("expected empty tail, got %d bytes", b.Pending())
	}
}

func TestLineBuffer_FrameSplitAcrossDeliveries(t *testing.T) {
	b := NewLineBuffer(0)
	full := `{"jsonrpc":"2.0","id":7,"result":{"tools":[]}}` + "\n"

	frames, err := b.Feed([]byte(full[:15]))
	if err != nil {
		t.Fatalf("Feed first half: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frame from partial line, got %d", len(frames))
	}
	if b.Pending() != 15 {
		t.Errorf("Pending() = %d, want 15", b.Pending())
	}

	frames, err = b.Feed([]byte(full[15:]))
	if err != nil {
		t.Fatalf("Feed second half: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame once complete, got %d", len(frames))
	}
	m, err := Decode(frames[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if id, _ := m.SequenceID(); id != 7 {
		t.Errorf("id = %d, want 7", id)
	}
}

func TestLineBuffer_KeepsTrailingPartial(t *testing.T) {
	b := NewLineBuffer(0)
	frames, _ := b.Feed([]byte("{\"a\":1}\r\n\n{\"b\":"))
	if len(frames) != 1 || string(frames[0]) != `{"a":1}` {
		t.Fatalf("unexpected frames: %q", frames)
	}
	frames, _ = b.Feed([]byte("2}\n"))
	if len(frames) != 1 || string(frames[0]) != `{"b":2}` {
		t.Fatalf("unexpected frames after completion: %q", frames)
	}
}

func TestLineBuffer_TooLarge(t *testing.T) {
	b := NewLineBuffer(8)
	_, err := b.Feed([]byte(strings.Repeat("x", 20)))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	frames, err := b.Feed([]byte("{}\n"))
	if err != nil || len(frames) != 1 {
		t.Fatalf("buffer should recover after discard: frames=%q err=%v", frames, err)
	}
}

func TestEncodeRequestIsSingleLine(t *testing.T) {
	data, err := Encode(NewRequest(3, string(mcp.MethodToolsList), nil))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") || strings.Count(string(data), "\n") != 1 {
		t.Fatalf("expected exactly one trailing newline: %q", data)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["jsonrpc"] != "2.0" || got["method"] != "tools/list" || got["id"] != float64(3) {
		t.Errorf("unexpected envelope: %v", got)
	}
	if _, ok := got["params"].(map[string]any); !ok {
		t.Errorf("params should be an object, got %T", got["params"])
	}
}

func TestEncodeNotificationHasNoID(t *testing.T) {
	data, err := Encode(NewNotification(MethodInitialized, nil))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got["id"]; ok {
		t.Errorf("notification must not carry an id: %s", data)
	}
}

func TestMessageClassification(t *testing.T) {
	tests := []struct {
		name                   string
		frame                  string
		resp, notif, req, isID bool
	}{
		{"response", `{"jsonrpc":"2.0","id":4,"result":{}}`, true, false, false, true},
		{"error response", `{"jsonrpc":"2.0","id":5,"error":{"code":-32601,"message":"nope"}}`, true, false, false, true},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, false, true, false, false},
		{"worker request", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, false, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if m.IsResponse() != tt.resp || m.IsNotification() != tt.notif || m.IsRequest() != tt.req {
				t.Errorf("classification = (%v,%v,%v), want (%v,%v,%v)",
					m.IsResponse(), m.IsNotification(), m.IsRequest(), tt.resp, tt.notif, tt.req)
			}
			if _, ok := m.SequenceID(); ok != tt.isID {
				t.Errorf("SequenceID ok = %v, want %v", ok, tt.isID)
			}
		})
	}
}

func TestErrorUnwrapsToMCPSentinel(t *testing.T) {
	err := error(NewError(&mcp.JSONRPCErrorDetails{Code: mcp.METHOD_NOT_FOUND, Message: "no such tool"}))
	if !errors.Is(err, mcp.ErrMethodNotFound) {
		t.Errorf("expected errors.Is(err, mcp.ErrMethodNotFound), got %v", err)
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != mcp.METHOD_NOT_FOUND {
		t.Errorf("errors.As failed: %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}
