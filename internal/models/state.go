package models

// ConversationState is the derived view of a thread: the messages not yet
// folded into the summary plus the summary itself.
type ConversationState struct {
	ThreadID string     `json:"thread_id"`
	Messages []*Message `json:"messages"`
	Summary  string     `json:"summary"`
	// FoldedSeq is the low-water mark. Messages with Seq <= FoldedSeq are folded.
	FoldedSeq int64 `json:"folded_seq"`
	// Total counts every persisted message of the thread, folded or not.
	Total int `json:"total"`
}

// ActiveCount returns the number of messages in the active window.
func (s *ConversationState) ActiveCount() int {
	if s == nil {
		return 0
	}
	return len(s.Messages)
}

// Clone returns a deep copy so callers can mutate the window freely.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]*Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		cp := *m
		out.Messages = append(out.Messages, &cp)
	}
	return &out
}
