package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalon/orchestra/internal/toolcall"
)

// Handler is implemented by tool authors on the server side.
type Handler interface {
	Tools() []ToolInfo
	Invoke(ctx context.Context, tool string, input toolcall.Input) (toolcall.Output, error)
}

// Serve answers requests on ln until ctx is canceled or ln fails.
func Serve(ctx context.Context, ln net.Listener, h Handler, logger zerolog.Logger) error {
	log := logger.With().Str("component", "tool-server").Logger()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go serveConn(ctx, h, conn, log)
	}
}

// ServeUnix listens on a fresh Unix socket, prints the handshake line to
// stdout and serves until ctx is canceled.
func ServeUnix(ctx context.Context, h Handler, logger zerolog.Logger) error {
	dir, err := os.MkdirTemp("", "orchestra-tool-*")
	if err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	path := filepath.Join(dir, "tool.sock")

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	hs := Handshake{Version: HandshakeVersion, Network: "unix", Address: path}
	if _, err := fmt.Fprintln(os.Stdout, hs.String()); err != nil {
		_ = ln.Close()
		return fmt.Errorf("write handshake: %w", err)
	}
	return Serve(ctx, ln, h, logger)
}

func serveConn(ctx context.Context, h Handler, conn net.Conn, log zerolog.Logger) {
	defer func() { _ = conn.Close() }()
	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			return
		}

		var resp Response
		switch req.Method {
		case MethodDescribe:
			resp.Tools = h.Tools()
		case MethodInvoke:
			resp = invoke(ctx, h, req)
		default:
			resp.Error = fmt.Sprintf("unknown method %q", req.Method)
			resp.ErrorKind = toolcall.KindValidation
		}

		if err := WriteMessage(conn, &resp); err != nil {
			log.Warn().Err(err).Msg("write response")
			return
		}
	}
}

func invoke(ctx context.Context, h Handler, req Request) Response {
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	resp := Response{CallID: req.ID}
	out, err := h.Invoke(ctx, req.Tool, req.Input)
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorKind = toolcall.Classify(err)
		var te *toolcall.Error
		if errors.As(err, &te) {
			resp.Error = te.Message
		}
		return resp
	}
	resp.Output = out
	return resp
}
