package model

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageKind tells what produced a message in a conversation
type MessageKind string

const (
	KindQuestion  MessageKind = "question"
	KindRetrieval MessageKind = "retrieval"
	KindAnswer    MessageKind = "answer"
)

type MessageID string

// NewMessageID generates a new unique MessageID
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

type Message struct {
	ID        MessageID   `json:"id"`
	Role      Role        `json:"role"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewQuestion creates a user question message
func NewQuestion(content string) *Message {
	return newMessage(RoleUser, KindQuestion, content)
}

// NewRetrieval creates the synthetic message carrying retrieved passages
func NewRetrieval(content string) *Message {
	return newMessage(RoleUser, KindRetrieval, content)
}

// NewAnswer creates an assistant answer message
func NewAnswer(content string) *Message {
	return newMessage(RoleAssistant, KindAnswer, content)
}

func newMessage(role Role, kind MessageKind, content string) *Message {
	return &Message{
		ID:        NewMessageID(),
		Role:      role,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// History is an ordered message log. Insertion order is chronological order.
// It is safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	messages []*Message
}

// NewHistory creates a history seeded with the given messages
func NewHistory(messages ...*Message) *History {
	h := &History{}
	h.messages = append(h.messages, messages...)
	return h
}

// Append adds messages to the end of the history
func (h *History) Append(messages ...*Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, messages...)
}

// Messages returns a copy of all messages in order
func (h *History) Messages() []*Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Last returns the latest message, or nil if the history is empty
func (h *History) Last() *Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.messages) == 0 {
		return nil
	}
	return h.messages[len(h.messages)-1]
}

// LastOf returns the latest message of the given kind, or nil if there is none
func (h *History) LastOf(kind MessageKind) *Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].Kind == kind {
			return h.messages[i]
		}
	}
	return nil
}
