package controller

import "context"

// CloseNormal is the websocket status the controller closes with on
// shutdown.
const CloseNormal = 1000

// Transport is one live text frame stream to the hub.
type Transport interface {
	Send(frame string) error
	// Frames yields inbound frames and is closed when the stream dies.
	Frames() <-chan string
	Close(code int) error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}
