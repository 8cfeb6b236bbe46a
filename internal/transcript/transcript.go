// Package transcript holds the client-local ordered view of the active conversation's messages.
package transcript

import (
	"slices"
	"strings"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
)

// Store is the ordered message list of one active conversation plus the watermark: the highest
// message count the store has confidently observed. Messages already held are never reordered.
//
// Store is not safe for concurrent use. The session controller owns it and serializes access.
type Store struct {
	messages  []models.Message
	watermark int
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Reset clears the store, starting a new active-conversation session with a zero watermark.
func (s *Store) Reset() {
	s.messages = nil
	s.watermark = 0
}

// ReplaceAll overwrites the store with messages when the snapshot holds strictly more messages
// than the watermark. It reports whether the snapshot was applied. A late or slow fetch with
// fewer or equal messages is ignored so it cannot erase optimistic or streamed content.
func (s *Store) ReplaceAll(messages []models.Message) bool {
	if len(messages) <= s.watermark {
		return false
	}
	s.messages = cloneMessages(messages)
	s.watermark = len(s.messages)
	return true
}

// Append adds a complete message to the end of the store.
func (s *Store) Append(msg models.Message) {
	msg.Annotations = slices.Clone(msg.Annotations)
	s.messages = append(s.messages, msg)
	s.bump()
}

// AppendPlaceholder adds an empty message of the given role, to be filled by AppendDelta.
func (s *Store) AppendPlaceholder(role models.Role) {
	s.Append(models.Message{Role: role})
}

// StartMessage begins a streamed message of the given role. When the last held message already
// carries id, as after a history fetch that landed before the stream announced the message, that
// message is restarted in place so the deltas rebuild it. It reports whether a message was added.
func (s *Store) StartMessage(id string, role models.Role) bool {
	if n := len(s.messages); id != "" && n > 0 && s.messages[n-1].ID == id {
		s.messages[n-1] = models.Message{ID: id, Role: role}
		return false
	}
	s.Append(models.Message{ID: id, Role: role})
	return true
}

// AppendDelta concatenates text onto the body of the last message. It is a no-op on an empty
// store, which means the stream sent a delta before announcing a message.
func (s *Store) AppendDelta(text string) bool {
	if len(s.messages) == 0 {
		return false
	}
	s.messages[len(s.messages)-1].Text += text
	return true
}

// ApplyAnnotations rewrites every occurrence of each annotation's marker text in the last message
// into a readable source reference. Annotations without a resolved file name are kept but leave
// the text untouched. Applying the same annotations twice has no further effect because the
// markers are gone after the first pass.
func (s *Store) ApplyAnnotations(annotations []models.Annotation) bool {
	if len(s.messages) == 0 || len(annotations) == 0 {
		return false
	}
	last := &s.messages[len(s.messages)-1]
	last.Text = RewriteCitations(last.Text, annotations)
	for _, a := range annotations {
		if !slices.Contains(last.Annotations, a) {
			last.Annotations = append(last.Annotations, a)
		}
	}
	return true
}

// Messages returns a copy of the held messages.
func (s *Store) Messages() []models.Message {
	return cloneMessages(s.messages)
}

// Len returns the number of held messages.
func (s *Store) Len() int {
	return len(s.messages)
}

// Watermark returns the highest message count observed since the last Reset.
func (s *Store) Watermark() int {
	return s.watermark
}

func (s *Store) bump() {
	if len(s.messages) > s.watermark {
		s.watermark = len(s.messages)
	}
}

// RewriteCitations replaces the marker of every annotation carrying a file name with its source
// reference.
func RewriteCitations(text string, annotations []models.Annotation) string {
	for _, a := range annotations {
		if a.Text == "" || a.FileName == "" {
			continue
		}
		text = strings.ReplaceAll(text, a.Text, a.SourceReference())
	}
	return text
}

func cloneMessages(messages []models.Message) []models.Message {
	if messages == nil {
		return nil
	}
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		m.Annotations = slices.Clone(m.Annotations)
		out[i] = m
	}
	return out
}
