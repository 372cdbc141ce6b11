// internal/convo/context.go
package convo

import (
	"go.uber.org/zap"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Context owns the ordered conversation log and enforces the sliding
// window before each model call. The pinned prefix (system prompt and the
// original goal) is never evicted; a fresh plan snapshot is re-injected
// into every window.
type Context struct {
	logger *zap.Logger

	pinned   []Message
	messages []Message

	windowSize   int // max tail messages per window
	windowTokens int // estimated token budget per window, 0 disables
	evictions    int
}

// New creates a context with the given window bounds.
func New(logger *zap.Logger, windowSize, windowTokens int) *Context {
	return &Context{
		logger:       logger.Named("context"),
		windowSize:   windowSize,
		windowTokens: windowTokens,
	}
}

// Pin appends a message to the pinned prefix. Pinned messages survive
// every eviction.
func (c *Context) Pin(role Role, content string) {
	c.pinned = append(c.pinned, Message{Role: role, Content: content})
}

// Append adds a message to the evictable tail.
func (c *Context) Append(role Role, content string) {
	c.messages = append(c.messages, Message{Role: role, Content: content})
}

// Len returns the total number of messages, pinned included.
func (c *Context) Len() int {
	return len(c.pinned) + len(c.messages)
}

// Evictions reports how many messages have been dropped from windows so
// far, for diagnostics.
func (c *Context) Evictions() int { return c.evictions }

// estimateTokens uses the common len/4 heuristic; precision does not
// matter here, only a stable bound.
func estimateTokens(m Message) int {
	return len(m.Content)/4 + 4
}

// Window builds the message slice for the next model call: the pinned
// prefix, an optional plan snapshot, and the most recent tail messages
// that fit both the count and token bounds. Oldest non-pinned messages
// are dropped first.
func (c *Context) Window(planSnapshot string) []Message {
	tail := c.messages
	dropped := 0
	if c.windowSize > 0 && len(tail) > c.windowSize {
		dropped = len(tail) - c.windowSize
		tail = tail[dropped:]
	}

	if c.windowTokens > 0 {
		budget := c.windowTokens
		for _, m := range c.pinned {
			budget -= estimateTokens(m)
		}
		if planSnapshot != "" {
			budget -= len(planSnapshot)/4 + 4
		}
		// Walk the tail backwards keeping the newest messages that fit.
		total := 0
		keepFrom := len(tail)
		for i := len(tail) - 1; i >= 0; i-- {
			total += estimateTokens(tail[i])
			if total > budget {
				break
			}
			keepFrom = i
		}
		dropped += keepFrom
		tail = tail[keepFrom:]
	}

	if dropped > 0 {
		c.evictions += dropped
		c.logger.Debug("Evicted messages from context window",
			zap.Int("dropped", dropped),
			zap.Int("kept", len(tail)))
	}

	window := make([]Message, 0, len(c.pinned)+1+len(tail))
	window = append(window, c.pinned...)
	if planSnapshot != "" {
		window = append(window, Message{Role: RoleSystem, Content: planSnapshot})
	}
	window = append(window, tail...)
	return window
}

// All returns a copy of the full log, pinned prefix first. Used by the
// deep analysis sub-agent, which reads the whole session rather than a
// window.
func (c *Context) All() []Message {
	out := make([]Message, 0, c.Len())
	out = append(out, c.pinned...)
	out = append(out, c.messages...)
	return out
}
