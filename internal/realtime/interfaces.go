package realtime

import "context"

// Options configure one realtime model connection.
type Options struct {
	Instructions string
	// FPS is the frame rate the model is configured for. Frames are not
	// forwarded yet, so providers only record it on the connection.
	FPS int
}

// Conn is a live model session bound to one call.
type Conn interface {
	// SendText submits a complete user turn and asks the model to respond.
	SendText(ctx context.Context, text string) error
	Close() error
}

// Provider opens realtime model connections.
type Provider interface {
	Name() string
	Connect(ctx context.Context, opts Options) (Conn, error)
}
