// Package convo maintains the per-call conversation history handed to the
// LLM: a fixed system prompt followed by a bounded window of user and
// assistant messages.
package convo

import (
	"strings"
	"sync"

	"github.com/MrWong99/trunkline/pkg/provider/llm"
)

// DefaultMaxHistory is the default bound on user+assistant messages kept in
// the window. The system prompt does not count against it.
const DefaultMaxHistory = 20

// InterruptedMarker is appended to an assistant message that was cut off by a
// barge-in, so the model knows its previous reply was not fully heard.
const InterruptedMarker = " [interrupted]"

// Conversation is a bounded conversation history. Safe for concurrent use:
// the media loop commits user turns while a response task commits assistant
// replies.
type Conversation struct {
	mu         sync.Mutex
	system     llm.Message
	history    []llm.Message
	maxHistory int
}

// New creates a conversation seeded with the given system prompt.
// maxHistory bounds the number of user+assistant messages retained; zero
// means DefaultMaxHistory.
func New(systemPrompt string, maxHistory int) *Conversation {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Conversation{
		system:     llm.Message{Role: llm.RoleSystem, Content: systemPrompt},
		maxHistory: maxHistory,
	}
}

// AddUser appends a user message. Empty or whitespace-only text is ignored so
// a silent turn never produces an empty prompt.
func (c *Conversation) AddUser(text string) {
	c.add(llm.RoleUser, text)
}

// AddAssistant appends an assistant message. Empty text is ignored.
func (c *Conversation) AddAssistant(text string) {
	c.add(llm.RoleAssistant, text)
}

// AddAssistantPartial records the prefix of an interrupted reply: the text the
// caller actually heard, tagged so the model knows the reply was cut short.
// Empty spokenText records nothing.
func (c *Conversation) AddAssistantPartial(spokenText string) {
	spokenText = strings.TrimSpace(spokenText)
	if spokenText == "" {
		return
	}
	c.add(llm.RoleAssistant, spokenText+InterruptedMarker)
}

func (c *Conversation) add(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, llm.Message{Role: role, Content: text})
	if over := len(c.history) - c.maxHistory; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}
}

// Messages returns the system prompt followed by the current history window.
// The returned slice is a copy and safe to hand to a provider.
func (c *Conversation) Messages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, 0, len(c.history)+1)
	out = append(out, c.system)
	out = append(out, c.history...)
	return out
}

// Len returns the number of user+assistant messages currently retained.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// TurnCount returns the number of user messages currently retained, which is
// the number of caller turns that produced a non-empty transcript.
func (c *Conversation) TurnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.history {
		if m.Role == llm.RoleUser {
			n++
		}
	}
	return n
}

// Reset clears the history window. The system prompt is kept.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}
