package survey

import (
	"errors"
	"strings"
)

// ErrNoValidQuestions is returned when validation leaves nothing to ask.
var ErrNoValidQuestions = errors.New("no valid questions in generated survey")

// Dropped describes a question removed during validation.
type Dropped struct {
	OriginalID int    `json:"original_id"`
	Text       string `json:"text"`
	Reason     string `json:"reason"`
}

// Validate removes unusable questions and renumbers the survivors 1..N in
// their original order. The input document is not modified.
func Validate(doc Document) (Document, []Dropped, error) {
	out := doc
	out.Questions = make([]Question, 0, len(doc.Questions))
	var dropped []Dropped
	for _, q := range doc.Questions {
		if reason := rejectReason(q); reason != "" {
			dropped = append(dropped, Dropped{OriginalID: q.ID, Text: q.Text, Reason: reason})
			continue
		}
		q.ID = len(out.Questions) + 1
		out.Questions = append(out.Questions, q)
	}
	if len(out.Questions) == 0 {
		return out, dropped, ErrNoValidQuestions
	}
	return out, dropped, nil
}

func rejectReason(q Question) string {
	switch {
	case strings.TrimSpace(q.Text) == "":
		return "missing text"
	case !q.Type.Valid():
		return "unknown type " + string(q.Type)
	case q.Type.IsChoice() && len(q.Options) < 2:
		return "fewer than two options"
	case q.Type == Scale && (q.ScaleMin == nil || q.ScaleMax == nil):
		return "scale bounds missing"
	}
	return ""
}
