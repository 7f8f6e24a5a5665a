package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini Live provider.
type GeminiConfig struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

// liveSession is the subset of *genai.Session the provider drives.
type liveSession interface {
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type liveDialer func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// GeminiProvider opens Gemini Live sessions through google.golang.org/genai.
type GeminiProvider struct {
	model  string
	logger *slog.Logger
	dial   liveDialer
}

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	dial := func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
		return client.Live.Connect(ctx, model, lc)
	}
	return newGeminiProvider(cfg, dial), nil
}

func newGeminiProvider(cfg GeminiConfig, dial liveDialer) *GeminiProvider {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash-live-001"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiProvider{model: model, logger: logger, dial: dial}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Connect(ctx context.Context, opts Options) (Conn, error) {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if instructions := strings.TrimSpace(opts.Instructions); instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(instructions, genai.RoleUser)
	}
	session, err := p.dial(ctx, p.model, lc)
	if err != nil {
		return nil, fmt.Errorf("gemini: live connect: %w", err)
	}
	c := &geminiConn{
		session: session,
		logger:  p.logger.With(slog.String("model", p.model), slog.Int("fps", opts.FPS)),
		done:    make(chan struct{}),
	}
	go c.drain()
	c.logger.Debug("gemini live session opened")
	return c, nil
}

type geminiConn struct {
	session liveSession
	logger  *slog.Logger

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func (c *geminiConn) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.New("gemini: session closed")
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
}

// drain reads server messages so the socket keeps flowing. Model audio is
// discarded: this service does not publish media back into the call.
func (c *geminiConn) drain() {
	for {
		msg, err := c.session.Receive()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					c.logger.Warn("gemini live receive failed", slog.String("error", err.Error()))
				}
			}
			return
		}
		if msg != nil && msg.GoAway != nil {
			c.logger.Info("gemini live session going away")
		}
	}
}

func (c *geminiConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.session.Close()
	})
	return c.closeErr
}
