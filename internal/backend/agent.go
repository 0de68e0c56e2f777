package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
)

// Agent runs conversational turns. The reasoning loop itself lives outside
// this module; Echo is the built-in stand-in.
type Agent interface {
	// Turn streams partial output through delta and returns the final text.
	Turn(ctx context.Context, sessionID, input string, delta func(text string)) (string, error)
}

// AgentRun adapts an Agent to the execute path: an agent.run job outside a
// session is one turn with no session id.
type AgentRun struct {
	Agent Agent
}

type agentRunInput struct {
	Input string `json:"input"`
}

func (a AgentRun) Execute(ctx context.Context, job Job, emit Emit) (json.RawMessage, error) {
	var in agentRunInput
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode agent input: %w", err)
	}
	out, err := a.Agent.Turn(ctx, "", in.Input, func(text string) {
		emit(protocol.ExecuteEvent{Type: "agent.delta", Level: protocol.LevelInfo, Data: eventData(protocol.TurnDelta{Text: text})})
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Echo replies with its input, one word per delta.
type Echo struct {
	// Delay is slept between deltas.
	Delay time.Duration
}

func (e Echo) Turn(ctx context.Context, _ string, input string, delta func(text string)) (string, error) {
	words := strings.Fields(input)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return "", err
		}
		delta(w)
	}
	return strings.Join(words, " "), nil
}
