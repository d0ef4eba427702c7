package survey

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type QuestionType string

const (
	SingleChoice QuestionType = "single_choice"
	MultiChoice  QuestionType = "multi_choice"
	Scale        QuestionType = "scale"
	OpenEnded    QuestionType = "open_ended"
)

var questionTypeAliases = map[string]QuestionType{
	"single_choice":   SingleChoice,
	"single-choice":   SingleChoice,
	"single":          SingleChoice,
	"radio":           SingleChoice,
	"单选题":             SingleChoice,
	"单选":              SingleChoice,
	"multi_choice":    MultiChoice,
	"multi-choice":    MultiChoice,
	"multiple_choice": MultiChoice,
	"multiple-choice": MultiChoice,
	"multiple":        MultiChoice,
	"checkbox":        MultiChoice,
	"多选题":             MultiChoice,
	"多选":              MultiChoice,
	"scale":           Scale,
	"rating":          Scale,
	"likert":          Scale,
	"量表题":             Scale,
	"量表":              Scale,
	"open_ended":      OpenEnded,
	"open-ended":      OpenEnded,
	"open":            OpenEnded,
	"text":            OpenEnded,
	"开放式问题":           OpenEnded,
	"开放题":             OpenEnded,
}

// ParseQuestionType maps canonical names, common spellings and the localized
// labels used by older survey files onto a QuestionType.
func ParseQuestionType(s string) (QuestionType, bool) {
	t, ok := questionTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// Valid reports whether t is one of the four supported types.
func (t QuestionType) Valid() bool {
	switch t {
	case SingleChoice, MultiChoice, Scale, OpenEnded:
		return true
	}
	return false
}

func (t QuestionType) IsChoice() bool {
	return t == SingleChoice || t == MultiChoice
}

func (t QuestionType) Label() string {
	switch t {
	case SingleChoice:
		return "Single choice"
	case MultiChoice:
		return "Multiple choice"
	case Scale:
		return "Scale"
	case OpenEnded:
		return "Open-ended"
	default:
		return string(t)
	}
}

// UnmarshalJSON canonicalizes known aliases. Unknown values are kept verbatim
// so validation can report them.
func (t *QuestionType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("question type: %w", err)
	}
	if canon, ok := ParseQuestionType(s); ok {
		*t = canon
		return nil
	}
	*t = QuestionType(strings.TrimSpace(s))
	return nil
}

type Question struct {
	ID          int               `json:"id"`
	Type        QuestionType      `json:"type"`
	Text        string            `json:"text"`
	Required    bool              `json:"required"`
	Options     []string          `json:"options,omitempty"`
	ScaleMin    *float64          `json:"scale_min,omitempty"`
	ScaleMax    *float64          `json:"scale_max,omitempty"`
	ScaleLabels map[string]string `json:"scale_labels,omitempty"`
}

// UnmarshalJSON tolerates numeric fields sent as strings and non-string
// options, both of which models produce regularly.
func (q *Question) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID          json.RawMessage            `json:"id"`
		Type        QuestionType               `json:"type"`
		Text        string                     `json:"text"`
		Required    json.RawMessage            `json:"required"`
		Options     []json.RawMessage          `json:"options"`
		ScaleMin    json.RawMessage            `json:"scale_min"`
		ScaleMax    json.RawMessage            `json:"scale_max"`
		ScaleLabels map[string]json.RawMessage `json:"scale_labels"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*q = Question{Type: raw.Type, Text: raw.Text}
	if f, ok := flexNumber(raw.ID); ok {
		q.ID = int(f)
	}
	q.Required = flexBool(raw.Required)
	for _, o := range raw.Options {
		if s := flexString(o); s != "" {
			q.Options = append(q.Options, s)
		}
	}
	if f, ok := flexNumber(raw.ScaleMin); ok {
		q.ScaleMin = &f
	}
	if f, ok := flexNumber(raw.ScaleMax); ok {
		q.ScaleMax = &f
	}
	if len(raw.ScaleLabels) > 0 {
		q.ScaleLabels = make(map[string]string, len(raw.ScaleLabels))
		for k, v := range raw.ScaleLabels {
			q.ScaleLabels[k] = flexString(v)
		}
	}
	return nil
}

// Bounds returns the scale range, defaulting to 1..5 when unset.
func (q Question) Bounds() (lo, hi float64) {
	lo, hi = 1, 5
	if q.ScaleMin != nil {
		lo = *q.ScaleMin
	}
	if q.ScaleMax != nil {
		hi = *q.ScaleMax
	}
	return lo, hi
}

// Key is the identifier responses use for this question.
func (q Question) Key() string {
	return strconv.Itoa(q.ID)
}

// Document is a generated questionnaire.
type Document struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	TargetAudience string     `json:"target_audience"`
	EstimatedTime  string     `json:"estimated_time"`
	Questions      []Question `json:"questions"`
	DesignNotes    string     `json:"design_notes"`
}

func (d *Document) UnmarshalJSON(b []byte) error {
	type plain Document
	var raw struct {
		plain
		EstimatedTime json.RawMessage `json:"estimated_time"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d = Document(raw.plain)
	d.EstimatedTime = flexString(raw.EstimatedTime)
	return nil
}

// Response is one respondent's submission. Answers are keyed by question id
// and hold whatever JSON value the respondent produced: a number, a string, a
// list of strings, or a {"type": ..., "value": ...} wrapper.
type Response struct {
	ID          string         `json:"id"`
	SurveyID    string         `json:"survey_id"`
	Respondent  string         `json:"respondent,omitempty"`
	Tendency    string         `json:"tendency,omitempty"`
	Answers     map[string]any `json:"answers"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

func flexNumber(b json.RawMessage) (float64, bool) {
	if len(b) == 0 || string(b) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

func flexBool(b json.RawMessage) bool {
	if len(b) == 0 {
		return false
	}
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		return v
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, _ := strconv.ParseBool(strings.TrimSpace(s))
		return v
	}
	return false
}

func flexString(b json.RawMessage) string {
	if len(b) == 0 || string(b) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(b))
}
