package realtime

import (
	"context"
	"errors"
	"sync"
)

// MockProvider records every text turn instead of talking to a model.
type MockProvider struct {
	mu      sync.Mutex
	sent    []string
	opts    []Options
	sendErr error
	open    int
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

// FailSends makes every subsequent SendText return err.
func (p *MockProvider) FailSends(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

func (p *MockProvider) Connect(ctx context.Context, opts Options) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts = append(p.opts, opts)
	p.open++
	return &mockConn{provider: p}, nil
}

// Sent returns the text turns sent so far.
func (p *MockProvider) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// Connections returns the options of every Connect call.
func (p *MockProvider) Connections() []Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Options(nil), p.opts...)
}

// Open reports how many connections have not been closed.
func (p *MockProvider) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

type mockConn struct {
	provider *MockProvider
	once     sync.Once
	closed   bool
	mu       sync.Mutex
}

func (c *mockConn) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("mock realtime: connection closed")
	}
	p := c.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, text)
	return nil
}

func (c *mockConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.provider.mu.Lock()
		c.provider.open--
		c.provider.mu.Unlock()
	})
	return nil
}
