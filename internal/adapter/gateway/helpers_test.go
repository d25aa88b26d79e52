package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentgw/internal/domain"
)

// startResponder runs handle for every WebSocket connection accepted by a
// throwaway HTTP server and returns its ws:// URL.
func startResponder(t *testing.T, handle func(ctx context.Context, ws *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		handle(context.Background(), ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func sendChallenge(ctx context.Context, ws *websocket.Conn, nonce string) error {
	return wsjson.Write(ctx, ws, PushFrame{
		Type:    FrameTypeEvent,
		Event:   domain.EventConnectChallenge,
		Payload: map[string]any{"nonce": nonce, "ts": time.Now().UnixMilli()},
	})
}

// acceptHandshake pushes a challenge and returns the client's auth frame.
func acceptHandshake(ctx context.Context, ws *websocket.Conn, nonce string) (Frame, error) {
	if err := sendChallenge(ctx, ws, nonce); err != nil {
		return Frame{}, err
	}
	var auth Frame
	err := wsjson.Read(ctx, ws, &auth)
	return auth, err
}

// serveRequests answers every request with reply until the socket closes.
func serveRequests(ctx context.Context, ws *websocket.Conn, reply func(f Frame) any) {
	for {
		var f Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			return
		}
		if resp := reply(f); resp != nil {
			if err := wsjson.Write(ctx, ws, resp); err != nil {
				return
			}
		}
	}
}

func dialTest(t *testing.T, cfg DialConfig) *Conn {
	t.Helper()
	if cfg.Credentials == nil {
		cfg.Credentials = &TokenResolver{Explicit: "test-token"}
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	conn, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
