package edge

import (
	"context"
	"errors"
	"strings"
)

var ErrCallEnded = errors.New("call already ended")

// User is a participant identity known to the edge.
type User struct {
	ID   string
	Name string
}

// Call identifies one video session on the edge.
type Call struct {
	Type      string
	ID        string
	CreatedBy string
	Created   bool
	Custom    map[string]any
}

// CID is the edge's canonical "<type>:<id>" call identifier.
func (c Call) CID() string {
	return CID(c.Type, c.ID)
}

func CID(callType, callID string) string {
	return callType + ":" + callID
}

// SplitCID reverses CID. ok is false when cid has no type prefix.
func SplitCID(cid string) (callType, callID string, ok bool) {
	callType, callID, ok = strings.Cut(strings.TrimSpace(cid), ":")
	if !ok || callType == "" || callID == "" {
		return "", "", false
	}
	return callType, callID, true
}

// Membership is an agent's presence in a call. Done is closed once the edge
// reports the call ended or the membership is closed.
type Membership interface {
	Done() <-chan struct{}
	Close() error
}

// Provider supplies call connectivity for agents.
type Provider interface {
	Name() string
	UpsertUser(ctx context.Context, user User) error
	CreateCall(ctx context.Context, creator User, callType, callID string) (Call, error)
	Join(ctx context.Context, user User, call Call) (Membership, error)
	EndCall(ctx context.Context, callType, callID string) error
	// NotifyEnded releases every membership waiting on cid.
	NotifyEnded(cid string) int
}
