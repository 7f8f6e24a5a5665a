package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"google.golang.org/genai"
)

type fakeLiveSession struct {
	mu      sync.Mutex
	sent    []genai.LiveClientContentInput
	closed  bool
	release chan struct{}
}

func newFakeLiveSession() *fakeLiveSession {
	return &fakeLiveSession{release: make(chan struct{})}
}

func (s *fakeLiveSession) SendClientContent(input genai.LiveClientContentInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, input)
	return nil
}

func (s *fakeLiveSession) Receive() (*genai.LiveServerMessage, error) {
	<-s.release
	return nil, io.EOF
}

func (s *fakeLiveSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.release)
	}
	return nil
}

func TestGeminiConnectSendsInstructionsAndTurn(t *testing.T) {
	session := newFakeLiveSession()
	var gotModel string
	var gotCfg *genai.LiveConnectConfig
	p := newGeminiProvider(GeminiConfig{Model: "live-test"}, func(_ context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		gotModel = model
		gotCfg = cfg
		return session, nil
	})

	conn, err := p.Connect(context.Background(), Options{Instructions: "Read @golf_coach.md", FPS: 3})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if gotModel != "live-test" {
		t.Fatalf("model = %q, want live-test", gotModel)
	}
	if gotCfg.SystemInstruction == nil || len(gotCfg.SystemInstruction.Parts) == 0 || gotCfg.SystemInstruction.Parts[0].Text != "Read @golf_coach.md" {
		t.Fatalf("system instruction not forwarded: %+v", gotCfg.SystemInstruction)
	}

	if err := conn.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	session.mu.Lock()
	sent := append([]genai.LiveClientContentInput(nil), session.sent...)
	session.mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("sent turns = %d, want 1", len(sent))
	}
	if sent[0].TurnComplete == nil || !*sent[0].TurnComplete {
		t.Fatalf("turn should be complete")
	}
	if sent[0].Turns[0].Parts[0].Text != "hello" {
		t.Fatalf("turn text = %q, want hello", sent[0].Turns[0].Parts[0].Text)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.SendText(context.Background(), "late"); err == nil {
		t.Fatalf("SendText() after Close succeeded")
	}
}

func TestGeminiConnectError(t *testing.T) {
	boom := errors.New("dial failed")
	p := newGeminiProvider(GeminiConfig{}, func(context.Context, string, *genai.LiveConnectConfig) (liveSession, error) {
		return nil, boom
	})
	if _, err := p.Connect(context.Background(), Options{}); !errors.Is(err, boom) {
		t.Fatalf("Connect() error = %v, want %v", err, boom)
	}
}

func TestNewGeminiProviderRequiresKey(t *testing.T) {
	if _, err := NewGeminiProvider(context.Background(), GeminiConfig{}); err == nil {
		t.Fatalf("NewGeminiProvider() without key succeeded")
	}
}

func TestMockProviderRecords(t *testing.T) {
	p := NewMockProvider()
	conn, err := p.Connect(context.Background(), Options{Instructions: "x", FPS: 3})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := conn.SendText(context.Background(), "hi"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if got := p.Sent(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("Sent() = %v", got)
	}
	if p.Open() != 1 {
		t.Fatalf("Open() = %d, want 1", p.Open())
	}
	_ = conn.Close()
	_ = conn.Close()
	if p.Open() != 0 {
		t.Fatalf("Open() after Close = %d, want 0", p.Open())
	}
	if opts := p.Connections(); len(opts) != 1 || opts[0].FPS != 3 {
		t.Fatalf("Connections() = %+v", opts)
	}
}

type audioLiveSession struct {
	*fakeLiveSession
	msgs     chan *genai.LiveServerMessage
	received chan struct{}
}

func (s *audioLiveSession) Receive() (*genai.LiveServerMessage, error) {
	select {
	case msg := <-s.msgs:
		s.received <- struct{}{}
		return msg, nil
	case <-s.release:
		return nil, io.EOF
	}
}

func TestGeminiDiscardsModelAudio(t *testing.T) {
	session := &audioLiveSession{
		fakeLiveSession: newFakeLiveSession(),
		msgs:            make(chan *genai.LiveServerMessage, 2),
		received:        make(chan struct{}, 2),
	}
	p := newGeminiProvider(GeminiConfig{}, func(context.Context, string, *genai.LiveConnectConfig) (liveSession, error) {
		return session, nil
	})
	conn, err := p.Connect(context.Background(), Options{FPS: 3})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	audio := &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: "audio/pcm", Data: []byte{1, 2}}}}},
	}}
	session.msgs <- audio
	session.msgs <- audio
	for i := 0; i < 2; i++ {
		<-session.received
	}

	if err := conn.SendText(context.Background(), "still there?"); err != nil {
		t.Fatalf("SendText() after model audio error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
