// Package agent composes an edge provider and a realtime model provider into
// a single call participant.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/visionagent/internal/edge"
	"github.com/ent0n29/visionagent/internal/realtime"
)

type User = edge.User

type Call = edge.Call

var ErrNotJoined = errors.New("agent has not joined a call")

// Config is everything needed to build one Agent.
type Config struct {
	Edge         edge.Provider
	User         User
	Instructions string
	LLM          realtime.Provider
	FPS          int
}

// Agent is one AI participant. An Agent joins at most one call.
type Agent struct {
	edge         edge.Provider
	llm          realtime.Provider
	user         User
	instructions string
	fps          int

	mu      sync.Mutex
	joining bool
	session *Session
}

func New(cfg Config) (*Agent, error) {
	if cfg.Edge == nil {
		return nil, errors.New("agent: edge provider is required")
	}
	if cfg.LLM == nil {
		return nil, errors.New("agent: realtime provider is required")
	}
	if strings.TrimSpace(cfg.User.ID) == "" {
		return nil, errors.New("agent: user id is required")
	}
	return &Agent{
		edge:         cfg.Edge,
		llm:          cfg.LLM,
		user:         cfg.User,
		instructions: cfg.Instructions,
		fps:          cfg.FPS,
	}, nil
}

func (a *Agent) User() User { return a.user }

func (a *Agent) Instructions() string { return a.instructions }

// CreateCall registers the agent's user on the edge and gets or creates the
// call (callType, callID).
func (a *Agent) CreateCall(ctx context.Context, callType, callID string) (Call, error) {
	if err := a.edge.UpsertUser(ctx, a.user); err != nil {
		return Call{}, fmt.Errorf("upsert agent user: %w", err)
	}
	call, err := a.edge.CreateCall(ctx, a.user, callType, callID)
	if err != nil {
		return Call{}, fmt.Errorf("create call %s: %w", edge.CID(callType, callID), err)
	}
	return call, nil
}

// Join enters call and opens the realtime model connection. The returned
// Session must be closed by the caller.
func (a *Agent) Join(ctx context.Context, call Call) (*Session, error) {
	a.mu.Lock()
	if a.session != nil || a.joining {
		a.mu.Unlock()
		return nil, fmt.Errorf("agent %s already joined a call", a.user.ID)
	}
	a.joining = true
	a.mu.Unlock()

	s, err := a.join(ctx, call)

	a.mu.Lock()
	a.joining = false
	if err == nil {
		a.session = s
	}
	a.mu.Unlock()
	return s, err
}

func (a *Agent) join(ctx context.Context, call Call) (*Session, error) {
	member, err := a.edge.Join(ctx, a.user, call)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", call.CID(), err)
	}
	conn, err := a.llm.Connect(ctx, realtime.Options{Instructions: a.instructions, FPS: a.fps})
	if err != nil {
		_ = member.Close()
		return nil, fmt.Errorf("connect %s: %w", a.llm.Name(), err)
	}

	s := &Session{call: call, member: member, conn: conn}
	s.onClose = func() {
		a.mu.Lock()
		if a.session == s {
			a.session = nil
		}
		a.mu.Unlock()
	}
	return s, nil
}

// SimpleResponse asks the model to respond to text in the active call.
func (a *Agent) SimpleResponse(ctx context.Context, text string) error {
	s := a.current()
	if s == nil {
		return ErrNotJoined
	}
	return s.conn.SendText(ctx, text)
}

// Finish blocks until the active call ends or ctx is done.
func (a *Agent) Finish(ctx context.Context) error {
	s := a.current()
	if s == nil {
		return ErrNotJoined
	}
	select {
	case <-s.member.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close leaves the active call, if any.
func (a *Agent) Close() error {
	if s := a.current(); s != nil {
		return s.Close()
	}
	return nil
}

func (a *Agent) current() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Session is the scoped presence of an Agent in a call.
type Session struct {
	call    Call
	member  edge.Membership
	conn    realtime.Conn
	onClose func()

	once sync.Once
	err  error
}

func (s *Session) Call() Call { return s.call }

// Close releases the model connection and the edge membership. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.err = errors.Join(s.conn.Close(), s.member.Close())
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.err
}
