package gateway

import (
	"context"
	"errors"

	"nhooyr.io/websocket"

	"agentgw/internal/domain"
)

// handshake waits for connect.challenge and answers it with the auth frame.
// It runs on the dialing goroutine while the reader delivers handshake frames
// through c.challenge.
func (c *Conn) handshake(parent, attemptCtx context.Context) error {
	var ch challengeResult
	select {
	case ch = <-c.challenge:
	case <-c.done:
		return c.closedDuringHandshake()
	case <-attemptCtx.Done():
		if parent.Err() != nil {
			return domain.WrapOp("Conn.Handshake", parent.Err())
		}
		return domain.NewDomainError("Conn.Handshake", domain.ErrHandshakeTimeout, "no connect.challenge received")
	}
	if ch.err != nil {
		return ch.err
	}

	token, source := c.cfg.Credentials.Resolve()
	if token == "" {
		c.logger.Warn("gateway: no token resolved, continuing unauthenticated")
	} else {
		c.logger.Debug("gateway: answering challenge", "token_source", source)
	}

	if err := c.write(attemptCtx, AuthFrame{Type: FrameTypeAuth, Token: token, Nonce: ch.nonce}); err != nil {
		return domain.NewDomainError("Conn.Handshake", domain.ErrConnectFailed, err.Error())
	}
	c.handshakeDone.Store(true)
	return nil
}

// closedDuringHandshake classifies a socket the remote closed before the
// handshake finished. Policy and application close codes mean rejection.
func (c *Conn) closedDuringHandshake() error {
	status := websocket.CloseStatus(c.cause)
	var ce websocket.CloseError
	reason := ""
	if errors.As(c.cause, &ce) {
		reason = ce.Reason
	}
	if status == websocket.StatusPolicyViolation || (status >= 4000 && status < 5000) {
		return domain.NewDomainError("Conn.Handshake", domain.ErrHandshakeRejected, reason)
	}
	return domain.NewDomainError("Conn.Handshake", domain.ErrConnectFailed, "socket closed before handshake")
}
