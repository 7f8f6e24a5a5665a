package edge

import (
	"context"
	"sync"
)

// MockEdge is an in-memory edge used when no GetStream credentials are
// configured. Calls end through EndCall or NotifyEnded.
type MockEdge struct {
	hub *endedHub

	mu    sync.Mutex
	users map[string]User
	calls map[string]Call
}

func NewMockEdge() *MockEdge {
	return &MockEdge{
		hub:   newEndedHub(),
		users: make(map[string]User),
		calls: make(map[string]Call),
	}
}

func (e *MockEdge) Name() string { return "mock" }

func (e *MockEdge) UpsertUser(ctx context.Context, user User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users[user.ID] = user
	return nil
}

func (e *MockEdge) CreateCall(ctx context.Context, creator User, callType, callID string) (Call, error) {
	if err := ctx.Err(); err != nil {
		return Call{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cid := CID(callType, callID)
	if call, ok := e.calls[cid]; ok {
		call.Created = false
		return call, nil
	}
	call := Call{Type: callType, ID: callID, CreatedBy: creator.ID, Created: true}
	e.calls[cid] = call
	return call, nil
}

func (e *MockEdge) Join(ctx context.Context, _ User, call Call) (Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.hub.register(call.CID(), nil), nil
}

func (e *MockEdge) EndCall(ctx context.Context, callType, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cid := CID(callType, callID)
	e.mu.Lock()
	delete(e.calls, cid)
	e.mu.Unlock()
	e.hub.notify(cid)
	return nil
}

func (e *MockEdge) NotifyEnded(cid string) int {
	return e.hub.notify(cid)
}

// Members reports how many memberships are currently waiting on cid.
func (e *MockEdge) Members(cid string) int {
	return e.hub.count(cid)
}
