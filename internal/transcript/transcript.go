// Package transcript holds the ordered log of conversation turns for one
// session.
//
// User turns are appended fully formed and never change. Assistant turns are
// opened empty and grow by appending streamed chunks until they are closed.
// At most one assistant turn is open at a time and it is always the last
// turn while open. A Transcript is not safe for concurrent use; it is owned
// by a single controller goroutine.
package transcript

import (
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnID uniquely identifies a turn within a transcript.
type TurnID string

var (
	// ErrEmptyInput is returned when a user turn would be blank after trimming.
	ErrEmptyInput = errors.New("transcript: empty input")

	// ErrAlreadyOpen is returned when an assistant turn is opened while another is open.
	ErrAlreadyOpen = errors.New("transcript: assistant turn already open")

	// ErrNoOpenTurn is returned when a chunk arrives with no open assistant turn.
	ErrNoOpenTurn = errors.New("transcript: no open assistant turn")
)

// Turn is one message in the transcript.
type Turn struct {
	ID        TurnID    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`

	// Open is true only for the assistant turn currently receiving chunks.
	Open bool `json:"open"`
}

// Message is the {role, content} pair sent to the chat backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcript is an append-and-merge log of turns.
type Transcript struct {
	turns []Turn

	// open holds the text of the open assistant turn; turns[len-1].Text is
	// refreshed from it lazily so chunk appends stay linear.
	open  *strings.Builder
	now   func() time.Time
	newID func() TurnID
}

// Option configures a Transcript.
type Option func(*Transcript)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Transcript) { t.now = now }
}

// WithIDs overrides turn id generation.
func WithIDs(next func() TurnID) Option {
	return func(t *Transcript) { t.newID = next }
}

// New returns an empty transcript.
func New(opts ...Option) *Transcript {
	t := &Transcript{
		now:   time.Now,
		newID: func() TurnID { return TurnID(uuid.NewString()) },
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// AppendUser appends an immutable user turn.
func (t *Transcript) AppendUser(text string) (TurnID, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}
	if t.open != nil {
		// A user turn may not land after an open assistant turn.
		return "", ErrAlreadyOpen
	}
	id := t.newID()
	t.turns = append(t.turns, Turn{ID: id, Role: RoleUser, Text: text, CreatedAt: t.now()})
	return id, nil
}

// BeginAssistant opens a new, empty assistant turn.
func (t *Transcript) BeginAssistant() (TurnID, error) {
	if t.open != nil {
		return "", ErrAlreadyOpen
	}
	id := t.newID()
	t.turns = append(t.turns, Turn{ID: id, Role: RoleAssistant, CreatedAt: t.now(), Open: true})
	t.open = &strings.Builder{}
	return id, nil
}

// AppendAssistantChunk concatenates chunk onto the open assistant turn.
// Chunks are opaque: no trimming, reordering or de-duplication.
func (t *Transcript) AppendAssistantChunk(chunk string) error {
	if t.open == nil {
		return ErrNoOpenTurn
	}
	if chunk == "" {
		return nil
	}
	t.open.WriteString(chunk)
	return nil
}

// CloseAssistant makes the open assistant turn immutable. It is a no-op when
// no turn is open.
func (t *Transcript) CloseAssistant() {
	if t.open == nil {
		return
	}
	last := &t.turns[len(t.turns)-1]
	last.Text = t.open.String()
	last.Open = false
	t.open = nil
}

// OpenTurn returns the open assistant turn, if any.
func (t *Transcript) OpenTurn() (Turn, bool) {
	if t.open == nil {
		return Turn{}, false
	}
	return t.turnAt(len(t.turns) - 1), true
}

// Last returns the most recent turn.
func (t *Transcript) Last() (Turn, bool) {
	if len(t.turns) == 0 {
		return Turn{}, false
	}
	return t.turnAt(len(t.turns) - 1), true
}

// Len returns the number of turns.
func (t *Transcript) Len() int { return len(t.turns) }

// Snapshot returns a read-only, restartable sequence over the turns as they
// are at the time of the call.
func (t *Transcript) Snapshot() iter.Seq[Turn] {
	turns := make([]Turn, len(t.turns))
	for i := range t.turns {
		turns[i] = t.turnAt(i)
	}
	return func(yield func(Turn) bool) {
		for _, turn := range turns {
			if !yield(turn) {
				return
			}
		}
	}
}

// Messages returns the closed turns as chat history, oldest first. The open
// assistant turn is excluded since it is the reply being generated.
func (t *Transcript) Messages() []Message {
	msgs := make([]Message, 0, len(t.turns))
	for turn := range t.Snapshot() {
		if turn.Open {
			continue
		}
		msgs = append(msgs, Message{Role: turn.Role, Content: turn.Text})
	}
	return msgs
}

func (t *Transcript) turnAt(i int) Turn {
	turn := t.turns[i]
	if turn.Open && t.open != nil && i == len(t.turns)-1 {
		turn.Text = t.open.String()
	}
	return turn
}
