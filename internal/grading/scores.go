package grading

import "github.com/mind-engage/mindengage-grader/internal/exam"

type Scores struct {
	PerRow map[int]int `json:"per_row"` // gyo -> points
	Total  int         `json:"total"`
}

// ComputeScores sums every record's score into its question's row and the
// grand total. Records whose question is unknown are skipped.
func ComputeScores(reg *Registry, questions []exam.Question) Scores {
	return computeScores(reg, indexQuestions(questions))
}

func computeScores(reg *Registry, qs map[int64]exam.Question) Scores {
	s := Scores{PerRow: map[int]int{}}
	if reg == nil {
		return s
	}
	for _, a := range reg.byQuestion {
		q, ok := qs[a.QuestionID]
		if !ok {
			continue
		}
		v := a.Score(q)
		s.PerRow[q.Gyo] += v
		s.Total += v
	}
	return s
}

func indexQuestions(questions []exam.Question) map[int64]exam.Question {
	m := make(map[int64]exam.Question, len(questions))
	for _, q := range questions {
		m[q.ID] = q
	}
	return m
}
