package gatewaysim

import (
	"context"
	"fmt"
	"time"

	"agentgw/internal/domain"
)

func (s *Server) registerBuiltins() {
	s.RegisterHandler("health", s.handleHealth)
	s.RegisterHandler("echo", handleEcho)
	s.RegisterHandler("sessions.list", handleSessionsList)
	s.RegisterHandler("events.publish", s.handlePublish)
}

func (s *Server) handleHealth(_ context.Context, _ *ClientInfo, _ map[string]any) (any, error) {
	return map[string]any{
		"ok":      true,
		"ts":      time.Now().UnixMilli(),
		"clients": s.Clients(),
	}, nil
}

func handleEcho(_ context.Context, _ *ClientInfo, params map[string]any) (any, error) {
	return params, nil
}

func handleSessionsList(context.Context, *ClientInfo, map[string]any) (any, error) {
	return map[string]any{"sessions": []any{}}, nil
}

// handlePublish broadcasts {"event": name, "payload": {...}} to every client,
// the caller included.
func (s *Server) handlePublish(ctx context.Context, _ *ClientInfo, params map[string]any) (any, error) {
	name, _ := params["event"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: event must be a non-empty string", domain.ErrRPCInvalidPayload)
	}
	var payload map[string]any
	if raw, ok := params["payload"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: payload must be an object", domain.ErrRPCInvalidPayload)
		}
		payload = m
	}
	s.Publish(context.WithoutCancel(ctx), name, payload)
	return map[string]any{"published": name}, nil
}
