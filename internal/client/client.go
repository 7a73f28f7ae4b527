// Package client implements the one-shot request/reply protocol against the
// broker's client-facing surface: one fresh connection, one task envelope,
// one response, a symmetric deadline on both directions.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dispatchd/internal/protocol"
)

// DefaultTimeout is the production send/receive budget. Inference on a cold
// model can legitimately take minutes.
const DefaultTimeout = 2 * time.Minute

// ErrTimeout reports that no reply arrived inside the deadline. Callers
// match it with errors.Is to tell an abandoned round trip from a failed one.
var ErrTimeout = errors.New("request timed out")

// IsTimeout reports whether err is a client deadline expiry.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// Client performs single round trips. Each Do opens and closes its own
// connection, so a Client is safe for concurrent use.
type Client struct {
	addr     string
	timeout  time.Duration
	identity string
	log      zerolog.Logger
}

// New builds a client for the broker frontend at addr. Each client carries a
// fixed unique identity used as the reply routing key.
func New(addr string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	identity := "client-" + uuid.NewString()
	return &Client{
		addr:     addr,
		timeout:  timeout,
		identity: identity,
		log:      logger.With().Str("component", "client").Str("client_id", identity).Logger(),
	}
}

// Do sends one task envelope and blocks for exactly one response envelope.
// The connection is released on every exit path. A reply whose worker_id
// does not echo the request target is invalid, never a success.
func (c *Client) Do(req protocol.TaskRequest) (protocol.TaskResponse, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return protocol.TaskResponse{}, fmt.Errorf("connect broker %s: %w", c.addr, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return protocol.TaskResponse{}, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return protocol.TaskResponse{}, fmt.Errorf("encode request: %w", err)
	}
	if err := protocol.WriteMessage(conn, c.identity, payload); err != nil {
		return protocol.TaskResponse{}, c.wrapTimeout("send", err)
	}

	_, replyPayload, err := protocol.ReadMessage(conn)
	if err != nil {
		return protocol.TaskResponse{}, c.wrapTimeout("receive", err)
	}
	resp, err := protocol.ParseResponse(replyPayload)
	if err != nil {
		return protocol.TaskResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.WorkerID != req.WorkerID {
		c.log.Warn().
			Str("requested", req.WorkerID).
			Str("responded", resp.WorkerID).
			Msg("response worker_id mismatch")
		return protocol.TaskResponse{}, fmt.Errorf(
			"response worker_id mismatch: requested %q, got %q", req.WorkerID, resp.WorkerID)
	}
	return resp, nil
}

// wrapTimeout converts a network deadline expiry into ErrTimeout so callers
// can distinguish abandonment from transport failure.
func (c *Client) wrapTimeout(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w after %s", op, ErrTimeout, c.timeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
