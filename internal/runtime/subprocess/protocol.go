package subprocess

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/slok/codebroker/internal/model"
)

// Message types of the line protocol between the adapter and the worker.
// The adapter sends `run` and `tool_result`, the worker sends `tool_call` and `done`.
const (
	MessageTypeRun        = "run"
	MessageTypeToolCall   = "tool_call"
	MessageTypeToolResult = "tool_result"
	MessageTypeDone       = "done"
)

const maxLineBytes = 16 << 20

// Message is a protocol message, one JSON document per line.
type Message struct {
	Type      string           `json:"type"`
	TaskID    string           `json:"taskId,omitempty"`
	Code      string           `json:"code,omitempty"`
	TimeoutMs int64            `json:"timeoutMs,omitempty"`
	CallID    string           `json:"callId,omitempty"`
	ToolPath  string           `json:"toolPath,omitempty"`
	Input     map[string]any   `json:"input,omitempty"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Status    model.TaskStatus `json:"status,omitempty"`
	Error     string           `json:"error,omitempty"`
	Stdout    string           `json:"stdout,omitempty"`
	Stderr    string           `json:"stderr,omitempty"`
	ExitCode  *int             `json:"exitCode,omitempty"`
}

type encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{enc: json.NewEncoder(w)}
}

// Encode writes the message as a single line.
func (e *encoder) Encode(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(m); err != nil {
		return fmt.Errorf("could not write %s message: %w", m.Type, err)
	}
	return nil
}

type decoder struct {
	sc *bufio.Scanner
}

func newDecoder(r io.Reader) *decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &decoder{sc: sc}
}

// Decode reads the next message, io.EOF is returned when the stream ends.
func (d *decoder) Decode() (Message, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return Message{}, fmt.Errorf("invalid protocol message: %w", err)
		}
		return m, nil
	}

	if err := d.sc.Err(); err != nil {
		return Message{}, fmt.Errorf("could not read protocol message: %w", err)
	}
	return Message{}, io.EOF
}
