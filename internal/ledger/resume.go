package ledger

import "context"

// DefaultResumeEntries bounds how much history a resumed session replays.
const DefaultResumeEntries = 30

// ContentPart is one piece of a conversation message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ContextMessage is a conversation item used to prime a resumed session.
type ContextMessage struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ResumptionContext converts the most recent entries into conversation
// messages. Only user and assistant text is carried; tool and state entries
// are skipped.
func ResumptionContext(entries []Entry, max int) []ContextMessage {
	if max <= 0 {
		max = DefaultResumeEntries
	}
	if len(entries) > max {
		entries = entries[len(entries)-max:]
	}

	out := make([]ContextMessage, 0, len(entries))
	for _, e := range entries {
		if e.Text == "" {
			continue
		}
		switch e.Type {
		case EntryUser:
			out = append(out, ContextMessage{
				Type:    "message",
				Role:    "user",
				Content: []ContentPart{{Type: "input_text", Text: e.Text}},
			})
		case EntryAssistant:
			out = append(out, ContextMessage{
				Type:    "message",
				Role:    "assistant",
				Content: []ContentPart{{Type: "output_text", Text: e.Text}},
			})
		}
	}
	return out
}

// LoadResumptionContext reads a session from store and builds its resumption context.
func LoadResumptionContext(ctx context.Context, store Store, sessionID string, max int) ([]ContextMessage, error) {
	if max <= 0 {
		max = DefaultResumeEntries
	}
	entries, err := store.Read(ctx, sessionID, max)
	if err != nil {
		return nil, err
	}
	return ResumptionContext(entries, max), nil
}
