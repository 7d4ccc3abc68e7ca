package grading

// Menu is what the correction menu may offer for one question.
type Menu struct {
	QuestionID int64
	Row        int
	Points     int
	Correct    bool
	// Corrections are the offerable partial-credit values, 1..points-1.
	// Empty when the answer is already correct.
	Corrections []int
}

// CanCorrect reports whether correction entries (including reset) apply.
func (m Menu) CanCorrect() bool { return !m.Correct }

// CorrectionMenu builds the menu for questionID. It reports false when the
// question or its record is unknown.
func (s *Session) CorrectionMenu(questionID int64) (Menu, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[questionID]
	if !ok {
		return Menu{}, false
	}
	a, ok := s.reg.find(questionID)
	if !ok {
		return Menu{}, false
	}
	m := Menu{QuestionID: q.ID, Row: q.Gyo, Points: q.Points, Correct: a.Correct()}
	if !m.Correct {
		for v := 1; v <= q.MaxCorrection(); v++ {
			m.Corrections = append(m.Corrections, v)
		}
	}
	return m, true
}
