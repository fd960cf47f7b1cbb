package transcript

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/voice-session/internal/protocol"
)

// Turn is one utterance by one role. Sealed turns are never mutated.
type Turn struct {
	ID          string        `json:"id"`
	Role        protocol.Role `json:"role"`
	Text        string        `json:"text"`
	Final       bool          `json:"final"`
	Interrupted bool          `json:"interrupted"`
	StartedAt   time.Time     `json:"startedAt"`
	EndedAt     time.Time     `json:"endedAt,omitempty"`
}

// Entry converts the turn to its wire history form.
func (t Turn) Entry() protocol.HistoryEntry {
	return protocol.HistoryEntry{Role: t.Role, Content: t.Text}
}

// Reconciler assembles role-tagged fragments from both directions into an
// ordered conversation history. At most one turn per role is open at a time.
// It is owned by a single event loop and is not safe for concurrent use.
type Reconciler struct {
	open    map[protocol.Role]*Turn
	last    map[protocol.Role]string // last fragment appended per role
	history []Turn

	now   func() time.Time
	newID func() string
}

// NewReconciler creates an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{
		open:  make(map[protocol.Role]*Turn),
		last:  make(map[protocol.Role]string),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Open starts a turn for role. If one is already open it is returned
// unchanged and created is false.
func (r *Reconciler) Open(role protocol.Role) (turn Turn, created bool) {
	if t, ok := r.open[role]; ok {
		return *t, false
	}
	t := &Turn{ID: r.newID(), Role: role, StartedAt: r.now()}
	r.open[role] = t
	delete(r.last, role)
	return *t, true
}

// Append adds a fragment to the open turn of role, opening one if needed.
// Fragments are joined with a single space. A fragment that extends the
// accumulated text word-wise replaces it, and an exact repeat of the
// previous fragment is dropped. Returns whether the text changed.
func (r *Reconciler) Append(role protocol.Role, fragment string) (Turn, bool) {
	fragment = strings.TrimSpace(fragment)
	r.Open(role)
	t := r.open[role]
	if fragment == "" {
		return *t, false
	}

	switch {
	case t.Text == "":
		t.Text = fragment
	case fragment == r.last[role]:
		return *t, false
	case strings.HasPrefix(fragment, t.Text+" "):
		t.Text = fragment
	default:
		t.Text = t.Text + " " + fragment
	}
	r.last[role] = fragment
	return *t, true
}

// Finalize seals the turn of role with authoritative final text. An empty
// text keeps the accumulated text. A final arriving with no open turn whose
// text equals the last sealed turn of that role is a duplicate and ignored.
func (r *Reconciler) Finalize(role protocol.Role, text string) (Turn, bool) {
	text = strings.TrimSpace(text)
	if _, ok := r.open[role]; !ok {
		if text == "" {
			return Turn{}, false
		}
		if last, ok := r.lastSealed(role); ok && last.Text == text {
			return Turn{}, false
		}
	}
	r.Open(role)
	if text != "" {
		r.open[role].Text = text
	}
	return r.Seal(role, false)
}

// Seal closes the open turn of role and appends it to the history. Sealing
// with no open turn is a no-op, and turns without text are dropped.
func (r *Reconciler) Seal(role protocol.Role, interrupted bool) (Turn, bool) {
	t, ok := r.open[role]
	if !ok {
		return Turn{}, false
	}
	delete(r.open, role)
	delete(r.last, role)
	if t.Text == "" {
		return Turn{}, false
	}
	t.Interrupted = interrupted
	t.Final = !interrupted
	t.EndedAt = r.now()
	r.history = append(r.history, *t)
	return *t, true
}

// SealAll seals every open turn in the order they were opened.
func (r *Reconciler) SealAll(interrupted bool) []Turn {
	open := make([]*Turn, 0, len(r.open))
	for _, t := range r.open {
		open = append(open, t)
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].StartedAt.Equal(open[j].StartedAt) {
			return open[i].Role > open[j].Role // USER before ASSISTANT
		}
		return open[i].StartedAt.Before(open[j].StartedAt)
	})

	var sealed []Turn
	for _, t := range open {
		if turn, ok := r.Seal(t.Role, interrupted); ok {
			sealed = append(sealed, turn)
		}
	}
	return sealed
}

// Discard drops the open turn of role without recording it.
func (r *Reconciler) Discard(role protocol.Role) {
	delete(r.open, role)
	delete(r.last, role)
}

// Current returns the open turn of role.
func (r *Reconciler) Current(role protocol.Role) (Turn, bool) {
	t, ok := r.open[role]
	if !ok {
		return Turn{}, false
	}
	return *t, true
}

// History returns a copy of the sealed turns in order.
func (r *Reconciler) History() []Turn {
	out := make([]Turn, len(r.history))
	copy(out, r.history)
	return out
}

// Entries returns the most recent limit sealed turns as wire history.
// A limit <= 0 returns everything.
func (r *Reconciler) Entries(limit int) []protocol.HistoryEntry {
	turns := r.history
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]protocol.HistoryEntry, len(turns))
	for i, t := range turns {
		out[i] = t.Entry()
	}
	return out
}

// Seed replaces the history with prior conversation entries. Open turns are
// discarded.
func (r *Reconciler) Seed(entries []protocol.HistoryEntry) {
	r.open = make(map[protocol.Role]*Turn)
	r.last = make(map[protocol.Role]string)
	r.history = nil
	now := r.now()
	for _, e := range entries {
		text := strings.TrimSpace(e.Content)
		if text == "" {
			continue
		}
		r.history = append(r.history, Turn{
			ID:        r.newID(),
			Role:      e.Role,
			Text:      text,
			Final:     true,
			StartedAt: now,
			EndedAt:   now,
		})
	}
}

// Reset forgets all turns.
func (r *Reconciler) Reset() {
	r.Seed(nil)
}

func (r *Reconciler) lastSealed(role protocol.Role) (Turn, bool) {
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Role == role {
			return r.history[i], true
		}
	}
	return Turn{}, false
}
