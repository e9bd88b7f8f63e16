// Package tape records model turns to a file and replays them. Replaying a
// tape drives the agent loop without calling a model provider.
package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// Version is the tape format version.
const Version = "1.0"

// Tape is a recorded sequence of model turns.
type Tape struct {
	Version   string         `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Turns     []Turn         `json:"turns"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Turn is one model response.
type Turn struct {
	Index int `json:"index"`

	// MessageCount is the number of history messages sent with the request.
	MessageCount int `json:"message_count"`

	Chunks   []string          `json:"chunks"`
	Text     string            `json:"text"`
	Tokens   *models.TokenInfo `json:"tokens,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// New creates an empty tape.
func New() *Tape {
	return &Tape{
		Version:   Version,
		CreatedAt: time.Now(),
		Turns:     []Turn{},
		Metadata:  make(map[string]any),
	}
}

// FromTexts builds a tape whose turns reply with the given texts, each
// streamed as a single chunk.
func FromTexts(texts ...string) *Tape {
	t := New()
	for _, text := range texts {
		t.AddTurn(Turn{Chunks: []string{text}, Text: text})
	}
	return t
}

// AddTurn appends a turn, assigning its index.
func (t *Tape) AddTurn(turn Turn) {
	turn.Index = len(t.Turns)
	t.Turns = append(t.Turns, turn)
}

// Turn returns the turn at index.
func (t *Tape) Turn(index int) (Turn, bool) {
	if index < 0 || index >= len(t.Turns) {
		return Turn{}, false
	}
	return t.Turns[index], true
}

// Clone returns a deep copy.
func (t *Tape) Clone() *Tape {
	clone := *t
	clone.Turns = make([]Turn, len(t.Turns))
	for i, turn := range t.Turns {
		turn.Chunks = append([]string(nil), turn.Chunks...)
		if turn.Tokens != nil {
			tokens := *turn.Tokens
			turn.Tokens = &tokens
		}
		clone.Turns[i] = turn
	}
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Marshal serializes the tape to indented JSON.
func (t *Tape) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal decodes a tape.
func Unmarshal(data []byte) (*Tape, error) {
	var t Tape
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode tape: %w", err)
	}
	if t.Version == "" {
		return nil, fmt.Errorf("decode tape: missing version")
	}
	return &t, nil
}

// Load reads a tape file.
func Load(path string) (*Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Save writes the tape to path.
func (t *Tape) Save(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
