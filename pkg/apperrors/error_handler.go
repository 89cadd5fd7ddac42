package apperrors

import (
	"context"
	"io"
	"log"
	"time"
)

type ErrorSeverity uint8

const (
	Warning ErrorSeverity = iota
	Critical
)

func (s ErrorSeverity) String() string {
	if s == Critical {
		return "CRITICAL"
	}
	return "WARNING"
}

type Error struct {
	Err         error
	Message     string
	Severity    ErrorSeverity
	Time        time.Time
	ComponentId string
}

func (e Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e Error) Unwrap() error { return e.Err }

// ErrorHandler logs every reported error and cancels the run on the first
// critical one.
type ErrorHandler struct {
	*log.Logger
	RecvCh            <-chan Error
	ContextCancelFunc context.CancelFunc
}

func NewErrorHandler(w io.Writer, ctxCancelFunc context.CancelFunc) (*ErrorHandler, chan<- Error) {
	errCh := make(chan Error, 256)

	return &ErrorHandler{
		RecvCh:            errCh,
		ContextCancelFunc: ctxCancelFunc,
		Logger:            log.New(w, "error: ", log.LstdFlags|log.Lmicroseconds),
	}, errCh
}

// Run consumes errors until ctx is done or a critical error arrives, which it
// returns.
func (h *ErrorHandler) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-h.RecvCh:
			h.Printf("[%v] %v (id=%v)", msg.Severity, msg.Error(), msg.ComponentId)
			if msg.Severity == Critical {
				if h.ContextCancelFunc != nil {
					h.ContextCancelFunc()
				}
				return msg
			}
		case <-ctx.Done():
			return nil
		}
	}
}
