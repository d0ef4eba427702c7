package analysis

import (
	"github.com/joelkehle/surveyforge/internal/survey"
)

// QuestionStats is the raw tally for one question.
type QuestionStats struct {
	Type     survey.QuestionType `json:"type"`
	Answered int                 `json:"answered"`
	// Counts is set for choice questions.
	Counts map[string]int `json:"counts,omitempty"`
	// Average, Min, Max and Distribution are set for scale questions.
	Average      *float64       `json:"average,omitempty"`
	Min          *float64       `json:"min,omitempty"`
	Max          *float64       `json:"max,omitempty"`
	Distribution map[string]int `json:"distribution,omitempty"`
	// Answers holds free-text answers in response order.
	Answers []string `json:"answers,omitempty"`
}

// Stats is a survey-level overview of collected responses.
type Stats struct {
	TotalResponses int                         `json:"total_responses"`
	QuestionTypes  map[survey.QuestionType]int `json:"question_types"`
	// AnswerRate is the percentage of (response, question) pairs that carry
	// an answer.
	AnswerRate float64                  `json:"answer_rate"`
	Questions  map[string]QuestionStats `json:"question_stats"`
}

// Statistics tallies responses against doc without calling any model.
func Statistics(doc survey.Document, responses []survey.Response) Stats {
	st := Stats{
		TotalResponses: len(responses),
		QuestionTypes:  make(map[survey.QuestionType]int),
		Questions:      make(map[string]QuestionStats),
	}
	for _, q := range doc.Questions {
		st.QuestionTypes[q.Type]++
	}
	if len(responses) == 0 || len(doc.Questions) == 0 {
		return st
	}

	answeredPairs := 0
	for _, q := range doc.Questions {
		qs := QuestionStats{Type: q.Type}
		var answers []any
		for _, a := range collectAnswers(q, responses) {
			if answered(a) {
				answers = append(answers, a)
			}
		}
		qs.Answered = len(answers)
		answeredPairs += len(answers)

		switch q.Type {
		case survey.SingleChoice, survey.MultiChoice:
			qs.Counts = make(map[string]int)
			for _, a := range answers {
				for _, c := range choiceAnswers(a) {
					qs.Counts[c]++
				}
			}
		case survey.Scale:
			var sum float64
			n := 0
			qs.Distribution = make(map[string]int)
			for _, a := range answers {
				v, ok := numericAnswer(a)
				if !ok {
					continue
				}
				if n == 0 || v < *qs.Min {
					qs.Min = &v
				}
				if n == 0 || v > *qs.Max {
					qs.Max = &v
				}
				sum += v
				n++
				qs.Distribution[survey.FormatNumber(v)]++
			}
			if n > 0 {
				avg := round2(sum / float64(n))
				qs.Average = &avg
			}
		case survey.OpenEnded:
			for _, a := range answers {
				qs.Answers = append(qs.Answers, textAnswer(a))
			}
		}
		st.Questions[q.Key()] = qs
	}
	st.AnswerRate = round1(float64(answeredPairs) / float64(len(doc.Questions)*len(responses)) * 100)
	return st
}
