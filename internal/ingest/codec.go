package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineSize bounds one encoded message; a batch of pages is a single line.
const maxLineSize = 16 << 20

// Encoder writes messages as JSON lines.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode validates m and writes it followed by a newline. Safe for concurrent use.
func (e *Encoder) Encode(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(m); err != nil {
		return fmt.Errorf("failed to write %s message: %w", m.Type, err)
	}
	return nil
}

// Decoder reads JSON-line messages.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// Decode returns the next message, io.EOF at end of input, or a protocol error
// for a line that does not hold a valid message. Blank lines are skipped.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if err := msg.Validate(); err != nil {
			return Message{}, err
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("failed to read message: %w", err)
	}
	return Message{}, io.EOF
}
