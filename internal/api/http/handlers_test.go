package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	api "github.com/mind-engage/mindengage-grader/internal/api/http"
	"github.com/mind-engage/mindengage-grader/internal/exam"
	"github.com/mind-engage/mindengage-grader/internal/grading"
	"github.com/mind-engage/mindengage-grader/internal/remote"
)

func newServer(t *testing.T) (*httptest.Server, exam.Store) {
	t.Helper()
	store := exam.NewInMemoryStore()
	r := chi.NewRouter()
	api.Mount(r, store)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func call(t *testing.T, srv *httptest.Server, method, path string, hdr map[string]string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(res.Body)
	return res, out.Bytes()
}

// seedHTTP loads exam 7 (q1 4pts, q2 6pts in row 1; q3 3pts in row 2) and
// student 1 through the API and returns record ids by question.
func seedHTTP(t *testing.T, srv *httptest.Server) map[int64]int64 {
	t.Helper()
	e := exam.Exam{ID: 7, Title: "Algorithms", Questions: []exam.Question{
		{ID: 3, Gyo: 2, Retu: 1, Points: 3},
		{ID: 1, Gyo: 1, Retu: 1, Points: 4},
		{ID: 2, Gyo: 1, Retu: 2, Points: 6},
	}}
	if res, b := call(t, srv, http.MethodPost, "/api/exams", nil, e); res.StatusCode != http.StatusCreated {
		t.Fatalf("put exam: %d %s", res.StatusCode, b)
	}
	if res, b := call(t, srv, http.MethodPost, "/api/students", nil, exam.Student{ID: 1, StdNo: "S001", Nickname: "aki"}); res.StatusCode != http.StatusCreated {
		t.Fatalf("put student: %d %s", res.StatusCode, b)
	}
	ids := map[int64]int64{}
	for _, qid := range []int64{1, 2, 3} {
		res, b := call(t, srv, http.MethodPost, "/api/student-exams", nil, exam.AnswerRecord{StudentID: 1, QuestionID: qid})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("put answer: %d %s", res.StatusCode, b)
		}
		var a exam.AnswerRecord
		_ = json.Unmarshal(b, &a)
		ids[qid] = a.ID
	}
	return ids
}

func TestGetExam(t *testing.T) {
	srv, _ := newServer(t)
	seedHTTP(t, srv)

	res, b := call(t, srv, http.MethodGet, "/api/exams/7", nil, nil)
	if res.StatusCode != 200 {
		t.Fatalf("status %d", res.StatusCode)
	}
	var e exam.Exam
	if err := json.Unmarshal(b, &e); err != nil {
		t.Fatal(err)
	}
	if len(e.Questions) != 3 || e.Questions[0].ID != 1 || e.Questions[2].ID != 3 {
		t.Fatalf("questions not in gyo/retu order: %+v", e.Questions)
	}

	if res, _ := call(t, srv, http.MethodGet, "/api/exams/8", nil, nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing exam: %d", res.StatusCode)
	}
	if res, _ := call(t, srv, http.MethodGet, "/api/exams/abc", nil, nil); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id: %d", res.StatusCode)
	}
}

func TestListAnswersAndStudents(t *testing.T) {
	srv, _ := newServer(t)
	seedHTTP(t, srv)

	res, b := call(t, srv, http.MethodGet, "/api/student-exams?exam=7&student_stdno=S001", nil, nil)
	if res.StatusCode != 200 {
		t.Fatalf("status %d", res.StatusCode)
	}
	var recs []exam.AnswerRecord
	_ = json.Unmarshal(b, &recs)
	if len(recs) != 3 || recs[0].QuestionID != 1 {
		t.Fatalf("records %+v", recs)
	}
	// wire field names
	var raw []map[string]any
	_ = json.Unmarshal(b, &raw)
	for _, k := range []string{"id", "student", "exam", "question", "TF", "hosei"} {
		if _, ok := raw[0][k]; !ok {
			t.Fatalf("field %q missing in %v", k, raw[0])
		}
	}

	if res, _ := call(t, srv, http.MethodGet, "/api/student-exams?exam=x", nil, nil); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad filter: %d", res.StatusCode)
	}

	res, b = call(t, srv, http.MethodGet, "/api/exam-students?exam_id=7", nil, nil)
	var sts []exam.Student
	_ = json.Unmarshal(b, &sts)
	if res.StatusCode != 200 || len(sts) != 1 || sts[0].StdNo != "S001" {
		t.Fatalf("students %d %s", res.StatusCode, b)
	}
	if res, _ := call(t, srv, http.MethodGet, "/api/exam-students", nil, nil); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing exam_id: %d", res.StatusCode)
	}
}

func TestPatchAnswer(t *testing.T) {
	srv, _ := newServer(t)
	ids := seedHTTP(t, srv)
	path := "/api/student-exams/" + strconv.FormatInt(ids[2], 10)

	res, b := call(t, srv, http.MethodPatch, path, nil, `{"hosei":5}`)
	var a exam.AnswerRecord
	_ = json.Unmarshal(b, &a)
	if res.StatusCode != 200 || a.Hosei != 5 {
		t.Fatalf("patch hosei: %d %s", res.StatusCode, b)
	}
	res, b = call(t, srv, http.MethodPatch, path, nil, `{"TF":1}`)
	_ = json.Unmarshal(b, &a)
	if res.StatusCode != 200 || a.TF != 1 || a.Hosei != 0 {
		t.Fatalf("patch TF: %d %s", res.StatusCode, b)
	}

	for _, bad := range []string{`{"TF":1,"hosei":2}`, `{"TF":0,"hosei":6}`, `{}`, `not json`} {
		if res, body := call(t, srv, http.MethodPatch, path, nil, bad); res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: %d %s", bad, res.StatusCode, body)
		}
	}
	if res, _ := call(t, srv, http.MethodPatch, "/api/student-exams/999", nil, `{"TF":1}`); res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing record: %d", res.StatusCode)
	}
}

func TestBulkUpdate(t *testing.T) {
	srv, store := newServer(t)
	ids := seedHTTP(t, srv)
	ctx := context.Background()

	batch := []exam.BatchItem{{ID: ids[1], TF: 1}, {ID: ids[2], TF: 0, Hosei: 9}}
	if res, _ := call(t, srv, http.MethodPatch, "/api/student-exams/bulk_update", nil, batch); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid batch: %d", res.StatusCode)
	}
	recs, _ := store.ListAnswers(ctx, exam.AnswerFilter{ExamID: 7})
	for _, r := range recs {
		if r.TF != 0 {
			t.Fatalf("rejected batch partially applied: %+v", r)
		}
	}

	batch[1].Hosei = 5
	hdr := map[string]string{"X-Request-ID": "7b1f"}
	res, b := call(t, srv, http.MethodPatch, "/api/student-exams/bulk_update", hdr, batch)
	if res.StatusCode != 200 || !bytes.Contains(b, []byte(`"status":"ok"`)) {
		t.Fatalf("bulk: %d %s", res.StatusCode, b)
	}

	// a newer edit, then a replay of the same request
	_, _ = store.PatchAnswer(ctx, ids[2], exam.AnswerPatch{Hosei: ptr(1)})
	if res, _ := call(t, srv, http.MethodPatch, "/api/student-exams/bulk_update", hdr, batch); res.StatusCode != 200 {
		t.Fatalf("replay: %d", res.StatusCode)
	}
	recs, _ = store.ListAnswers(ctx, exam.AnswerFilter{ExamID: 7})
	if recs[0].TF != 1 || recs[1].Hosei != 1 {
		t.Fatalf("replay re-applied: %+v", recs)
	}
}

func TestExamResultAndAdjust(t *testing.T) {
	srv, _ := newServer(t)
	ids := seedHTTP(t, srv)
	_, _ = call(t, srv, http.MethodPatch, "/api/student-exams/bulk_update", nil,
		[]exam.BatchItem{{ID: ids[1], TF: 1}, {ID: ids[2], Hosei: 2}})

	res, b := call(t, srv, http.MethodPost, "/api/exam-adjust-update", nil, exam.Adjust{ExamID: 7, StudentID: 1, Adjust: 3})
	if res.StatusCode != 200 {
		t.Fatalf("adjust: %d %s", res.StatusCode, b)
	}
	if res, _ := call(t, srv, http.MethodPost, "/api/exam-adjust-update", nil, exam.Adjust{ExamID: 7, StudentID: 42}); res.StatusCode != http.StatusNotFound {
		t.Fatalf("adjust unknown student: %d", res.StatusCode)
	}

	res, b = call(t, srv, http.MethodGet, "/api/examresult?wexamid=7", nil, nil)
	var out exam.ExamResult
	_ = json.Unmarshal(b, &out)
	if res.StatusCode != 200 || len(out.Students) != 1 {
		t.Fatalf("result: %d %s", res.StatusCode, b)
	}
	if r := out.Students[0]; r.Score != 4 || r.Correction != 2 || r.Total != 6 || r.Adjust != 3 {
		t.Fatalf("row %+v", r)
	}
}

// The console's whole path: session -> remote client -> API -> store.
func TestSessionAgainstServer(t *testing.T) {
	srv, store := newServer(t)
	ids := seedHTTP(t, srv)
	ctx := context.Background()

	c := remote.New(remote.Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	s := grading.NewSession(c, grading.WithOutboxConfig(grading.OutboxConfig{Backoff: time.Millisecond}))

	if err := s.LoadExam(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(ctx, grading.StudentRef{StdNo: "S001"}); err != nil {
		t.Fatal(err)
	}
	_ = s.SetCorrection(ctx, 2, 9) // clamps to 5
	_ = s.Toggle(ctx, 1)
	if err := s.BulkSetRow(ctx, 2, true); err != nil {
		t.Fatal(err)
	}
	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Outbox().Flush(flushCtx); err != nil {
		t.Fatal(err)
	}

	got := map[int64]exam.AnswerRecord{}
	recs, _ := store.ListAnswers(ctx, exam.AnswerFilter{ExamID: 7})
	for _, r := range recs {
		got[r.ID] = r
	}
	if got[ids[1]].TF != 1 || got[ids[2]].Hosei != 5 || got[ids[3]].TF != 1 {
		t.Fatalf("store state %+v", got)
	}
	if s.Scores().Total != 4+5+3 {
		t.Fatalf("local total %d", s.Scores().Total)
	}

	if err := s.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	recs, _ = store.ListAnswers(ctx, exam.AnswerFilter{ExamID: 7})
	for _, r := range recs {
		if r.TF != 0 || r.Hosei != 0 {
			t.Fatalf("cancel did not restore the store: %+v", r)
		}
	}
	if err := s.Close(flushCtx); err != nil {
		t.Fatal(err)
	}
}

func ptr(v int) *int { return &v }
