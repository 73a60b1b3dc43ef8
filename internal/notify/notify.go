// Package notify delivers escalation notifications outside the task state
// machine. Delivery is at-least-once; a dedup key that was delivered once is
// not sent again.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	ChannelLog   = "log"
	ChannelSlack = "slack"
)

type Notification struct {
	Channel   string            `json:"channel"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	DedupKey  string            `json:"dedup_key"`
}

// Key returns the dedup key, deriving one from channel and recipient when
// none was set.
func (n Notification) Key() string {
	if k := strings.TrimSpace(n.DedupKey); k != "" {
		return k
	}
	return n.Channel + ":" + n.Recipient + ":" + n.Subject
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// TransientDispatchError records one failed delivery attempt that will be
// retried.
type TransientDispatchError struct {
	Channel   string
	Recipient string
	Attempt   int
	Err       error
}

func (e *TransientDispatchError) Error() string {
	return fmt.Sprintf("notify %s to %s failed (attempt %d): %v", e.Channel, e.Recipient, e.Attempt, e.Err)
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

var ErrUnknownChannel = errors.New("unknown notification channel")
