package ingest

import (
	"errors"
	"fmt"

	"github.com/timmy/pagepulse/internal/domain"
)

// MessageType tags the messages exchanged between a pool and its workers.
type MessageType string

const (
	MessageReady    MessageType = "ready"    // worker -> pool
	MessageWork     MessageType = "work"     // pool -> worker
	MessageResult   MessageType = "result"   // worker -> pool
	MessageShutdown MessageType = "shutdown" // pool -> worker, terminal
)

var (
	// ErrUnknownMessage is returned for a message whose type tag is not recognised.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrInvalidMessage is returned when a message payload does not match its tag.
	ErrInvalidMessage = errors.New("invalid message payload")
)

// Batch is an ordered, non-empty run of pages handed to exactly one worker.
type Batch []domain.Page

// Message is one unit of the worker protocol. Only the payload that matches
// Type may be set.
type Message struct {
	Type   MessageType         `json:"type"`
	Batch  Batch               `json:"batch,omitempty"`
	Counts *domain.BatchCounts `json:"counts,omitempty"`
	Error  string              `json:"error,omitempty"`
}

func ReadyMessage() Message {
	return Message{Type: MessageReady}
}

func WorkMessage(batch Batch) Message {
	return Message{Type: MessageWork, Batch: batch}
}

// ResultMessage reports the counts for a processed batch. A non-nil err is
// carried as text since it crosses a process boundary.
func ResultMessage(counts domain.BatchCounts, err error) Message {
	msg := Message{Type: MessageResult, Counts: &counts}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func ShutdownMessage() Message {
	return Message{Type: MessageShutdown}
}

// Validate checks the tag is known and the payload matches it.
func (m Message) Validate() error {
	switch m.Type {
	case MessageReady, MessageShutdown:
		if len(m.Batch) > 0 || m.Counts != nil {
			return fmt.Errorf("%w: %s carries a payload", ErrInvalidMessage, m.Type)
		}
	case MessageWork:
		if len(m.Batch) == 0 {
			return fmt.Errorf("%w: work without a batch", ErrInvalidMessage)
		}
		if m.Counts != nil {
			return fmt.Errorf("%w: work carries counts", ErrInvalidMessage)
		}
	case MessageResult:
		if m.Counts == nil {
			return fmt.Errorf("%w: result without counts", ErrInvalidMessage)
		}
		if len(m.Batch) > 0 {
			return fmt.Errorf("%w: result carries a batch", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	return nil
}

// IsProtocolError reports whether err was caused by a malformed message rather
// than by the transport.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownMessage) || errors.Is(err, ErrInvalidMessage)
}
