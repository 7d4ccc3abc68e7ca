package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	api "github.com/mind-engage/mindengage-grader/internal/api/http"
	"github.com/mind-engage/mindengage-grader/internal/exam"
	"github.com/mind-engage/mindengage-grader/internal/grading"
	"github.com/mind-engage/mindengage-grader/internal/remote"
)

type fixture struct {
	store exam.Store
	rc    *remote.Client
	ids   map[int64]int64 // question -> record of S001
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := exam.NewInMemoryStore()
	r := chi.NewRouter()
	api.Mount(r, store)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	if err := store.PutExam(ctx, exam.Exam{ID: 7, Title: "Algorithms", Questions: []exam.Question{
		{ID: 1, QNo: "1-1", Gyo: 1, Retu: 1, Points: 4},
		{ID: 2, QNo: "1-2", Gyo: 1, Retu: 2, Points: 6},
		{ID: 3, QNo: "2-1", Gyo: 2, Retu: 1, Points: 3},
	}}); err != nil {
		t.Fatal(err)
	}
	f := &fixture{store: store, ids: map[int64]int64{}}
	for _, st := range []exam.Student{{ID: 1, StdNo: "S001", Nickname: "aki"}, {ID: 2, StdNo: "S002", Nickname: "ben"}} {
		if err := store.PutStudent(ctx, st); err != nil {
			t.Fatal(err)
		}
		for _, qid := range []int64{1, 2, 3} {
			a, err := store.PutAnswer(ctx, exam.AnswerRecord{StudentID: st.ID, QuestionID: qid})
			if err != nil {
				t.Fatal(err)
			}
			if st.ID == 1 {
				f.ids[qid] = a.ID
			}
		}
	}
	f.rc = remote.New(remote.Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	return f
}

// script runs lines through a console whose edits are awaited, so the store
// reflects every command once script returns.
func (f *fixture) script(t *testing.T, lines ...string) string {
	t.Helper()
	var out bytes.Buffer
	sess := grading.NewSession(f.rc,
		grading.WithEditStrategy(grading.BatchedStrategy{Remote: f.rc}),
		grading.WithRefresh(func(s grading.Scores) { fmt.Fprintf(&out, "score %d\n", s.Total) }),
	)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	c := newConsole(sess, f.rc, strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	c.run(context.Background())
	return out.String()
}

func (f *fixture) record(t *testing.T, qid int64) exam.AnswerRecord {
	t.Helper()
	recs, err := f.store.ListAnswers(context.Background(), exam.AnswerFilter{ExamID: 7, StudentID: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if r.ID == f.ids[qid] {
			return r
		}
	}
	t.Fatalf("no record for question %d", qid)
	return exam.AnswerRecord{}
}

func wantLines(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q\n--- output ---\n%s", w, out)
		}
	}
}

func TestConsole_GradeOneStudent(t *testing.T) {
	f := newFixture(t)
	out := f.script(t,
		"exam 7",
		"load S001",
		"toggle 2",
		"hosei 1 9",
		"row 2 on",
		"show",
		"quit",
	)
	wantLines(t, out,
		`exam 7 "Algorithms": 3 question(s), 2 student(s)`,
		"student S001 (#1)",
		"row  1 | [1-1 x] [1-2 x] | 0",
		"row  1 | [1-1 x +3] [1-2 o 6] | 9",
		"row  2 | [2-1 o 3] | 3",
		"total 12",
	)
	if r := f.record(t, 2); r.TF != 1 {
		t.Fatalf("q2 not saved correct: %+v", r)
	}
	if r := f.record(t, 1); r.Hosei != 3 || r.TF != 0 {
		t.Fatalf("q1 correction not clamped to 3: %+v", r)
	}
	if r := f.record(t, 3); r.TF != 1 {
		t.Fatalf("row 2 bulk not saved: %+v", r)
	}
}

func TestConsole_CancelNeedsConfirmation(t *testing.T) {
	f := newFixture(t)
	out := f.script(t,
		"exam 7",
		"load 1",
		"all on",
		"show",
		"cancel",
		"n",
		"show",
		"cancel",
		"y",
		"show",
	)
	wantLines(t, out, "total 13", "[y/N]")
	if strings.Count(out, "total 13") != 2 {
		t.Fatalf("declined cancel should keep the bulk result:\n%s", out)
	}
	for _, qid := range []int64{1, 2, 3} {
		if r := f.record(t, qid); r.TF != 0 || r.Hosei != 0 {
			t.Fatalf("q%d not restored: %+v", qid, r)
		}
	}
	if !strings.HasSuffix(strings.TrimRight(out, "> "), "total 0\n") {
		t.Fatalf("last grid should be restored:\n%s", out)
	}
}

func TestConsole_NextPrevAndStudents(t *testing.T) {
	f := newFixture(t)
	out := f.script(t,
		"exam 7",
		"next",
		"next",
		"next",
		"prev",
		"students",
	)
	wantLines(t, out,
		"student S001 (#1)",
		"student S002 (#2)",
		"!! no more students in that direction",
		"*   1  S001",
	)
}

func TestConsole_ErrorsAreReported(t *testing.T) {
	f := newFixture(t)
	out := f.script(t,
		"load S001",
		"cancel",
		"y",
		"exam 99",
		"toggle x",
		"frobnicate",
		"row 1 maybe",
		"exam 7",
		"load S404",
	)
	wantLines(t, out,
		"!! no exam loaded: use exam <id>",
		"!! nothing to restore: load a student first",
		"!! load exam:",
		`!! bad question id "x"`,
		`!! unknown command "frobnicate" (try help)`,
		`!! want on or off, got "maybe"`,
		"student S404",
		"[1-1 -] [1-2 -]",
		"total 0",
	)
}

func TestConsole_MenuOffersCorrections(t *testing.T) {
	f := newFixture(t)
	out := f.script(t,
		"exam 7",
		"load S001",
		"menu 1",
		"toggle 1",
		"menu 1",
		"menu 42",
	)
	wantLines(t, out,
		"question 1 (row 1, 4 pts) is incorrect",
		"hosei 1 <1|2|3>",
		"question 1 (row 1, 4 pts) is correct",
		"(no answer for question 42)",
	)
	if strings.Count(out, "reset correction") != 1 {
		t.Fatalf("a correct answer must not offer corrections:\n%s", out)
	}
}

func TestConsole_ResultsAndAdjust(t *testing.T) {
	f := newFixture(t)
	out := f.script(t,
		"exam 7",
		"load S002",
		"toggle 2",
		"adjust S002 -1",
		"results",
	)
	wantLines(t, out,
		"adjust for #2 set to -1",
		"Algorithms (exam 7)",
	)
	var row string
	for _, l := range strings.Split(out, "\n") {
		if strings.HasPrefix(l, "S002") {
			row = l
		}
	}
	if got := strings.Fields(row); len(got) != 6 || got[2] != "6" || got[4] != "-1" || got[5] != "6" {
		t.Fatalf("result row: %q", row)
	}
}

func TestConsole_BusyMessage(t *testing.T) {
	var out bytes.Buffer
	c := &console{out: &out}
	c.alert(grading.ErrBusy)
	c.alert(&grading.SyncError{Strategy: "batched", RecordIDs: []int64{1, 2}, Err: context.DeadlineExceeded})
	wantLines(t, out.String(),
		"!! busy: a bulk operation is still running",
		"!! not saved (batched, 2 record(s))",
		"use cancel to restore",
	)
}
