package exam

// Question is one answer box on the sheet. Layout is driven by Gyo (row) and
// Retu (column), never by record order.
type Question struct {
	ID     int64  `json:"id"`
	ExamID int64  `json:"exam"`
	QNo    string `json:"q_no"`
	Bunrui string `json:"bunrui,omitempty"` // 選択, 記述, プログラム, ...
	Gyo    int    `json:"gyo"`
	Retu   int    `json:"retu"`
	Answer string `json:"answer"`
	Points int    `json:"points"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// MaxCorrection is the largest partial credit an incorrect answer may carry.
func (q Question) MaxCorrection() int {
	if q.Points <= 1 {
		return 0
	}
	return q.Points - 1
}

type Exam struct {
	ID        int64      `json:"id"`
	SubjectNo string     `json:"subjectNo,omitempty"`
	Title     string     `json:"title"`
	Version   string     `json:"version,omitempty"` // A/B/C
	Questions []Question `json:"questions"`
}

type Student struct {
	ID       int64  `json:"id"`
	StdNo    string `json:"stdNo"`
	Nickname string `json:"nickname"`
}

// AnswerRecord is the grading state of one (student, question) pair.
// TF is the correctness flag as 0/1, Hosei the correction amount.
type AnswerRecord struct {
	ID         int64 `json:"id"`
	StudentID  int64 `json:"student"`
	ExamID     int64 `json:"exam"`
	QuestionID int64 `json:"question"`
	TF         int   `json:"TF"`
	Hosei      int   `json:"hosei"`
}

func (a AnswerRecord) Correct() bool { return a.TF == 1 }

// Score is points when correct, otherwise the correction.
func (a AnswerRecord) Score(q Question) int {
	if a.Correct() {
		return q.Points
	}
	return a.Hosei
}

// AnswerPatch is a partial single-record update. Nil fields are left untouched.
type AnswerPatch struct {
	TF    *int `json:"TF,omitempty"`
	Hosei *int `json:"hosei,omitempty"`
}

// BatchItem is one entry of a bulk update; both fields are always committed.
type BatchItem struct {
	ID    int64 `json:"id"`
	TF    int   `json:"TF"`
	Hosei int   `json:"hosei"`
}

type ResultRow struct {
	StdNo      string `json:"stdNo"`
	Nickname   string `json:"nickname"`
	Score      int    `json:"score"`
	Correction int    `json:"correction"`
	Adjust     int    `json:"adjust"`
	Total      int    `json:"total"`
}

type ExamResult struct {
	ExamID   int64       `json:"wexamid"`
	ExamName string      `json:"exam_name"`
	Students []ResultRow `json:"students"`
}

type Adjust struct {
	ExamID    int64 `json:"exam"`
	StudentID int64 `json:"student"`
	Adjust    int   `json:"adjust"`
}
