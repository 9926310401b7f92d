package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNegotiation is matched by every NegotiationError.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrSuperseded is returned by a Connect that was overtaken by a newer
	// Connect or Disconnect while it waited on the backend or the peer.
	ErrSuperseded = errors.New("connect superseded")
)

// NegotiationError reports the offer/answer step that failed.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrNegotiation, e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiation }
