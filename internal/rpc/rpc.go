// Package rpc is the JSON request/reply envelope used on NATS between the
// orchestrator, its collaborators and its command clients.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Error codes carried in reply envelopes.
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeInternal   = "internal"
)

// ErrNoResponders is returned when nothing listens on the request subject.
var ErrNoResponders = errors.New("no responders for request subject")

// Envelope is the reply body of every request.
type Envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a failure reported by the remote side.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets callers match remote failures against the local sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case models.ErrExperimentNotFound, models.ErrApplicationNotFound, models.ErrInstanceNotFound, models.ErrTaskNotFound:
		return e.Code == CodeNotFound
	case models.ErrInvalidStatus:
		return e.Code == CodeConflict
	}
	return false
}

// As converts validation failures back into a models.ValidationError.
func (e *Error) As(target any) bool {
	if ve, ok := target.(**models.ValidationError); ok && e.Code == CodeValidation {
		*ve = models.NewValidationError("", e.Message)
		return true
	}
	return false
}

// CodeFor classifies err for the reply envelope.
func CodeFor(err error) string {
	switch {
	case models.IsValidation(err):
		return CodeValidation
	case errors.Is(err, models.ErrExperimentNotFound),
		errors.Is(err, models.ErrApplicationNotFound),
		errors.Is(err, models.ErrInstanceNotFound),
		errors.Is(err, models.ErrTaskNotFound):
		return CodeNotFound
	case errors.Is(err, models.ErrInvalidStatus):
		return CodeConflict
	}
	return CodeInternal
}

// EncodeReply builds the reply payload for a handler outcome.
func EncodeReply(result any, err error) ([]byte, error) {
	var env Envelope
	if err != nil {
		env.Error = &Error{Code: CodeFor(err), Message: err.Error()}
	} else if result != nil {
		data, mErr := json.Marshal(result)
		if mErr != nil {
			return nil, fmt.Errorf("marshalling result: %w", mErr)
		}
		env.Result = data
	}
	return json.Marshal(env)
}

// DecodeReply unpacks a reply payload into result, returning the remote
// error if there was one.
func DecodeReply(data []byte, result any) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding reply envelope: %w", err)
	}
	if env.Error != nil {
		return env.Error
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decoding reply result: %w", err)
		}
	}
	return nil
}

// Client sends requests to "<prefix>.<op>".
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates a Client. timeout bounds requests whose context has no
// earlier deadline.
func NewClient(nc *nats.Conn, prefix string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{nc: nc, prefix: prefix, timeout: timeout, logger: logger}
}

// Subject returns the subject op is requested on.
func (c *Client) Subject(op string) string {
	return c.prefix + "." + op
}

// Call sends args to op and decodes the reply into result (which may be nil).
func (c *Client) Call(ctx context.Context, op string, args any, result any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshalling %s request: %w", op, err)
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	subject := c.Subject(op)
	msg, err := c.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%w: %s", ErrNoResponders, subject)
		}
		return fmt.Errorf("request on %s: %w", subject, err)
	}

	if err := DecodeReply(msg.Data, result); err != nil {
		c.logger.Debug("Remote call failed", zap.String("subject", subject), zap.Error(err))
		return err
	}
	return nil
}

// HandlerFunc serves one request. Its result is marshalled into the reply.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Serve answers requests on subject in queue group queue. Each request runs
// in its own goroutine bounded by timeout.
func Serve(nc *nats.Conn, subject, queue string, timeout time.Duration, handler HandlerFunc, logger *zap.Logger) (*nats.Subscription, error) {
	sub, err := nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		go func() {
			ctx := context.Background()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			result, hErr := handler(ctx, msg.Data)
			reply, err := EncodeReply(result, hErr)
			if err != nil {
				logger.Error("Failed to encode reply", zap.String("subject", msg.Subject), zap.Error(err))
				reply, _ = EncodeReply(nil, err)
			}
			if msg.Reply == "" {
				return
			}
			if err := msg.Respond(reply); err != nil {
				logger.Error("Failed to send reply", zap.String("subject", msg.Subject), zap.Error(err))
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	logger.Info("Serving requests", zap.String("subject", subject), zap.String("queue_group", queue))
	return sub, nil
}
