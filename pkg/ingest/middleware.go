package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrUndecodable marks payloads that redelivery cannot fix. The runner acks them.
var ErrUndecodable = errors.New("undecodable payload")

// Handler delivers one message into the algo. A nil error acks the message.
type Handler func(ctx context.Context, msg Message) error

// Middleware wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together. The first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware recovers from panics in handlers
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs every delivery at Debug
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			start := time.Now()
			err := next(ctx, msg)
			logger.Debug("Message handled",
				zap.String("subject", msg.Subject()),
				zap.Int("bytes", len(msg.Data())),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			return err
		}
	}
}

// ValidationMiddleware rejects empty payloads as undecodable
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			if len(msg.Data()) == 0 {
				return fmt.Errorf("%w: empty payload on %s", ErrUndecodable, msg.Subject())
			}
			return next(ctx, msg)
		}
	}
}
