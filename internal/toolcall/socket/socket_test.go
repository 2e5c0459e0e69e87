package socket

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalon/orchestra/internal/toolcall"
)

func TestParseHandshake(t *testing.T) {
	h, err := ParseHandshake("1|unix|/tmp/tool.sock\n")
	if err != nil {
		t.Fatal(err)
	}
	if h.Network != "unix" || h.Address != "/tmp/tool.sock" || h.String() != "1|unix|/tmp/tool.sock" {
		t.Errorf("handshake = %+v", h)
	}
	for _, line := range []string{"", "1|unix", "2|unix|/x", "x|unix|/x", "1|udp|:1"} {
		if _, err := ParseHandshake(line); err == nil {
			t.Errorf("ParseHandshake(%q) expected error", line)
		}
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	in := Request{Method: MethodInvoke, ID: "1", Tool: "SearchTool", Input: toolcall.Input{"district": "Central"}}
	if err := WriteMessage(&buf, &in); err != nil {
		t.Fatal(err)
	}
	if n := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(n) != buf.Len()-4 {
		t.Errorf("length prefix = %d, body = %d", n, buf.Len()-4)
	}
	var out Request
	if err := ReadMessage(&buf, &out); err != nil {
		t.Fatal(err)
	}
	if out.Tool != "SearchTool" || out.Input["district"] != "Central" {
		t.Errorf("decoded = %+v", out)
	}
}

func TestReadMessageRejectsOversize(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxMessageSize+1)
	err := ReadMessage(bytes.NewReader(header[:]), &Request{})
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("err = %v", err)
	}
}

type fakeHandler struct{}

func (fakeHandler) Tools() []ToolInfo {
	return []ToolInfo{{ID: "SearchTool", Capabilities: []string{"search"}}}
}

func (fakeHandler) Invoke(ctx context.Context, tool string, input toolcall.Input) (toolcall.Output, error) {
	switch tool {
	case "SearchTool":
		return toolcall.Output{"restaurants": []any{"Tim Ho Wan"}, "district": input["district"]}, nil
	case "Flaky":
		return nil, toolcall.Transient(tool, "upstream 503")
	case "Broken":
		return nil, errors.New("boom")
	case "Slow":
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, &toolcall.Error{Kind: toolcall.KindValidation, Tool: tool, Message: "unknown tool"}
}

func startServer(t *testing.T) *Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, fakeHandler{}, zerolog.Nop()) }()
	c := NewClient("tcp", ln.Addr().String())
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return c
}

func TestClientInvoke(t *testing.T) {
	c := startServer(t)
	out, err := c.Invoke(context.Background(), "SearchTool", toolcall.Input{"district": "Central"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out["district"] != "Central" {
		t.Errorf("out = %v", out)
	}

	tools, err := c.Describe(context.Background())
	if err != nil || len(tools) != 1 || tools[0].ID != "SearchTool" {
		t.Errorf("Describe = %v, %v", tools, err)
	}
}

func TestClientErrorKinds(t *testing.T) {
	c := startServer(t)
	tests := []struct {
		tool string
		want toolcall.Kind
	}{
		{"Flaky", toolcall.KindTransient},
		{"Broken", toolcall.KindPermanent},
		{"Nope", toolcall.KindValidation},
	}
	for _, tt := range tests {
		_, err := c.Invoke(context.Background(), tt.tool, nil, time.Second)
		if got := toolcall.Classify(err); got != tt.want {
			t.Errorf("%s: kind = %q, want %q (err %v)", tt.tool, got, tt.want, err)
		}
	}
}

func TestClientTimeoutThenRedial(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Invoke(ctx, "Slow", nil, 50*time.Millisecond)
	if got := toolcall.Classify(err); got != toolcall.KindTimeout {
		t.Fatalf("kind = %q, want timeout (err %v)", got, err)
	}

	out, err := c.Invoke(context.Background(), "SearchTool", toolcall.Input{"district": "Mong Kok"}, time.Second)
	if err != nil {
		t.Fatalf("after timeout: %v", err)
	}
	if out["district"] != "Mong Kok" {
		t.Errorf("out = %v", out)
	}
}

func TestClientCanceled(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Invoke(ctx, "Slow", nil, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClientDialFailureIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := NewClient("tcp", addr)
	_, err = c.Invoke(context.Background(), "SearchTool", nil, time.Second)
	if got := toolcall.Classify(err); got != toolcall.KindTransient {
		t.Errorf("kind = %q, want transient (err %v)", got, err)
	}
}
