package call

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/essexlabs/avery-bridge/pkg/bridge/agent"
)

type switchLanguageArgs struct {
	Language string `json:"language"`
}

// handleFunctionCall services one tool call from the agent. Every call gets
// either a FunctionCallResponse on the current session or, for a real
// language switch, a fresh session that supersedes the pending request.
func (c *LiveCall) handleFunctionCall(ctx context.Context, fn agent.FunctionCall) {
	if fn.Name != agent.SwitchLanguageFunction {
		c.logger.Warn("unknown function call", "name", fn.Name, "id", fn.ID)
		c.respondFunction(ctx, fn, fmt.Sprintf("Function %q is not supported", fn.Name))
		return
	}

	var args switchLanguageArgs
	if fn.Arguments != "" {
		if err := json.Unmarshal([]byte(fn.Arguments), &args); err != nil {
			c.logger.Warn("bad switch_language arguments", "arguments", fn.Arguments, "error", err)
			c.respondFunction(ctx, fn, "Could not parse language switch arguments")
			return
		}
	}
	target := args.Language
	if !agent.SupportedLanguage(target) {
		c.respondFunction(ctx, fn, fmt.Sprintf("Unsupported language %q", target))
		return
	}

	current := c.agent.Language()
	if target == current {
		// No-op switch: answer on the live session so the turn is not
		// left hanging, and never reconnect.
		c.respondFunction(ctx, fn, "Already speaking in "+target)
		return
	}

	c.logger.Info("language switch requested",
		"from", current, "to", target, "caller", c.callerKey)

	// Commit to the switch before flushing playback, so neither pump
	// touches the outgoing session once the clear is written.
	c.agent.BeginReconfigure()
	c.writeClear()

	history := c.historyMessages()
	if err := c.agent.Reconfigure(ctx, target, history); err != nil {
		// The controller restored the prior-language session; the call
		// continues where it was, and the pending turn is answered there.
		c.logger.Warn("language switch failed", "target", target, "error", err)
		c.respondFunction(ctx, fn, "Language switch failed, continuing in "+current)
		return
	}
	c.sessions.SetLanguage(c.callerKey, target)
}

func (c *LiveCall) respondFunction(ctx context.Context, fn agent.FunctionCall, content string) {
	if err := c.agent.SendFunctionCallResponse(ctx, fn.ID, fn.Name, content); err != nil {
		c.logger.Warn("function call response failed", "id", fn.ID, "error", err)
	}
}

// historyMessages renders the trimmed transcript for replay into a fresh
// session.
func (c *LiveCall) historyMessages() []agent.Message {
	turns := c.sessions.History(c.callerKey, c.cfg.HistoryWindow)
	out := make([]agent.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, agent.Message{Type: "History", Role: t.Role, Content: t.Content})
	}
	return out
}
