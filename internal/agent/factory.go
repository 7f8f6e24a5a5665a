package agent

import (
	"context"

	"github.com/ent0n29/visionagent/internal/edge"
	"github.com/ent0n29/visionagent/internal/realtime"
)

// Factory builds agents that share an edge and a realtime provider. No media
// processors are attached.
type Factory struct {
	Edge edge.Provider
	LLM  realtime.Provider
	FPS  int
}

func (f *Factory) NewAgent(ctx context.Context, user User, instructions string) (*Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(Config{
		Edge:         f.Edge,
		User:         user,
		Instructions: instructions,
		LLM:          f.LLM,
		FPS:          f.FPS,
	})
}
