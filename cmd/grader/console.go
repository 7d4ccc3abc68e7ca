package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mind-engage/mindengage-grader/internal/exam"
	"github.com/mind-engage/mindengage-grader/internal/grading"
)

// roster is the part of the remote store the console reads besides the session.
type roster interface {
	ListStudents(ctx context.Context, examID int64) ([]exam.Student, error)
	ExamResult(ctx context.Context, examID int64) (exam.ExamResult, error)
	UpdateAdjust(ctx context.Context, a exam.Adjust) (exam.Adjust, error)
}

// syncWriter lets the outbox worker print alerts while the prompt is active.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// console maps typed commands onto one grading session.
type console struct {
	sess     *grading.Session
	roster   roster
	out      io.Writer
	in       *bufio.Scanner
	students []exam.Student
	cursor   int // index into students, -1 when none is loaded
}

func newConsole(sess *grading.Session, r roster, in io.Reader, out io.Writer) *console {
	return &console{sess: sess, roster: r, in: bufio.NewScanner(in), out: out, cursor: -1}
}

func (c *console) printf(format string, args ...any) { fmt.Fprintf(c.out, format, args...) }

func (c *console) alert(err error) {
	switch {
	case errors.Is(err, grading.ErrBusy):
		c.printf("!! busy: a bulk operation is still running, try again\n")
	case errors.Is(err, grading.ErrNoSnapshot):
		c.printf("!! nothing to restore: load a student first\n")
	case errors.Is(err, grading.ErrNoExam):
		c.printf("!! no exam loaded: use exam <id>\n")
	default:
		var se *grading.SyncError
		if errors.As(err, &se) {
			c.printf("!! not saved (%s, %d record(s)): %v\n", se.Strategy, len(se.RecordIDs), se.Err)
			c.printf("!! the screen keeps your change; use cancel to restore the loaded state\n")
			return
		}
		c.printf("!! %v\n", err)
	}
}

// run reads commands until quit or end of input.
func (c *console) run(ctx context.Context) {
	c.printf("> ")
	for c.in.Scan() {
		if quit := c.exec(ctx, c.in.Text()); quit {
			return
		}
		c.printf("> ")
	}
}

func (c *console) exec(ctx context.Context, line string) bool {
	f := strings.Fields(line)
	if len(f) == 0 {
		return false
	}
	var err error
	switch cmd, args := strings.ToLower(f[0]), f[1:]; cmd {
	case "quit", "exit":
		return true
	case "help", "?":
		c.help()
	case "exam":
		err = c.loadExam(ctx, args)
	case "students":
		c.listStudents()
	case "load":
		err = c.load(ctx, args)
	case "next":
		err = c.step(ctx, 1)
	case "prev":
		err = c.step(ctx, -1)
	case "show":
		c.show()
	case "toggle":
		var qid int64
		if qid, err = argID(args, 0, "question"); err == nil {
			err = c.sess.Toggle(ctx, qid)
		}
	case "menu":
		var qid int64
		if qid, err = argID(args, 0, "question"); err == nil {
			c.menu(qid)
		}
	case "hosei":
		var qid int64
		var n int
		if qid, err = argID(args, 0, "question"); err == nil {
			if n, err = argInt(args, 1, "value"); err == nil {
				err = c.sess.SetCorrection(ctx, qid, n)
			}
		}
	case "row":
		var gyo int
		var on bool
		if gyo, err = argInt(args, 0, "row"); err == nil {
			if on, err = argOnOff(args, 1); err == nil {
				err = c.sess.BulkSetRow(ctx, gyo, on)
			}
		}
	case "all":
		var on bool
		if on, err = argOnOff(args, 0); err == nil {
			err = c.sess.BulkSetAll(ctx, on)
		}
	case "results":
		err = c.results(ctx)
	case "adjust":
		err = c.adjust(ctx, args)
	case "cancel":
		if c.confirm("restore this student to the loaded state?") {
			err = c.sess.Cancel(ctx)
		}
	default:
		err = fmt.Errorf("unknown command %q (try help)", cmd)
	}
	if err != nil {
		c.alert(err)
	}
	return false
}

func (c *console) help() {
	c.printf(`commands:
  exam <id>            load an exam and its students
  students             list students of the exam
  load <stdNo|id>      load a student's answers
  next | prev          move to the next or previous student
  show                 print the answer grid
  toggle <qid>         flip correct / incorrect
  menu <qid>           show correction choices
  hosei <qid> <n>      partial credit (0 resets)
  row <gyo> on|off     mark a whole row
  all on|off           mark every answer
  cancel               restore the loaded state
  results              print the exam result table
  adjust <stdNo> <n>   set a student's score adjustment
  quit
`)
}

func (c *console) loadExam(ctx context.Context, args []string) error {
	id, err := argID(args, 0, "exam")
	if err != nil {
		return err
	}
	if err := c.sess.LoadExam(ctx, id); err != nil {
		return err
	}
	c.students, c.cursor = nil, -1
	list, err := c.roster.ListStudents(ctx, id)
	if err != nil {
		return fmt.Errorf("list students: %w", err)
	}
	c.students = list
	e, _ := c.sess.Exam()
	c.printf("exam %d %q: %d question(s), %d student(s)\n", e.ID, e.Title, len(e.Questions), len(list))
	return nil
}

func (c *console) listStudents() {
	if len(c.students) == 0 {
		c.printf("(no students)\n")
		return
	}
	for i, s := range c.students {
		mark := " "
		if i == c.cursor {
			mark = "*"
		}
		c.printf("%s %3d  %-10s %s\n", mark, s.ID, s.StdNo, s.Nickname)
	}
}

func (c *console) load(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: load <stdNo|id>")
	}
	key := args[0]
	for i, s := range c.students {
		if s.StdNo == key {
			return c.loadAt(ctx, i)
		}
	}
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		for i, s := range c.students {
			if s.ID == id {
				return c.loadAt(ctx, i)
			}
		}
		return c.loadRef(ctx, grading.StudentRef{ID: id}, -1)
	}
	return c.loadRef(ctx, grading.StudentRef{StdNo: key}, -1)
}

func (c *console) step(ctx context.Context, d int) error {
	if len(c.students) == 0 {
		return errors.New("no students")
	}
	i := c.cursor + d
	if c.cursor < 0 {
		i = 0
	}
	if i < 0 || i >= len(c.students) {
		return errors.New("no more students in that direction")
	}
	return c.loadAt(ctx, i)
}

func (c *console) loadAt(ctx context.Context, i int) error {
	s := c.students[i]
	return c.loadRef(ctx, grading.StudentRef{ID: s.ID, StdNo: s.StdNo}, i)
}

func (c *console) loadRef(ctx context.Context, ref grading.StudentRef, i int) error {
	if err := c.sess.Load(ctx, ref); err != nil {
		return err
	}
	c.cursor = i
	c.show()
	return nil
}

func (c *console) examID() (int64, error) {
	e, ok := c.sess.Exam()
	if !ok {
		return 0, grading.ErrNoExam
	}
	return e.ID, nil
}

func (c *console) results(ctx context.Context) error {
	id, err := c.examID()
	if err != nil {
		return err
	}
	res, err := c.roster.ExamResult(ctx, id)
	if err != nil {
		return fmt.Errorf("exam result: %w", err)
	}
	c.printf("%s (exam %d)\n", res.ExamName, res.ExamID)
	c.printf("%-10s %-12s %6s %6s %6s %6s\n", "stdNo", "nickname", "score", "hosei", "adjust", "total")
	for _, r := range res.Students {
		c.printf("%-10s %-12s %6d %6d %6d %6d\n", r.StdNo, r.Nickname, r.Score, r.Correction, r.Adjust, r.Total)
	}
	return nil
}

func (c *console) adjust(ctx context.Context, args []string) error {
	id, err := c.examID()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return errors.New("usage: adjust <stdNo|id> <n>")
	}
	n, err := argInt(args, 1, "adjustment")
	if err != nil {
		return err
	}
	var studentID int64
	for _, s := range c.students {
		if s.StdNo == args[0] || strconv.FormatInt(s.ID, 10) == args[0] {
			studentID = s.ID
			break
		}
	}
	if studentID == 0 {
		return fmt.Errorf("unknown student %q", args[0])
	}
	a, err := c.roster.UpdateAdjust(ctx, exam.Adjust{ExamID: id, StudentID: studentID, Adjust: n})
	if err != nil {
		return fmt.Errorf("adjust: %w", err)
	}
	c.printf("adjust for #%d set to %d\n", a.StudentID, a.Adjust)
	return nil
}

func (c *console) confirm(q string) bool {
	c.printf("%s [y/N] ", q)
	if !c.in.Scan() {
		return false
	}
	a := strings.ToLower(strings.TrimSpace(c.in.Text()))
	return a == "y" || a == "yes"
}

func (c *console) menu(qid int64) {
	m, ok := c.sess.CorrectionMenu(qid)
	if !ok {
		c.printf("(no answer for question %d)\n", qid)
		return
	}
	state := "incorrect"
	if m.Correct {
		state = "correct"
	}
	c.printf("question %d (row %d, %d pts) is %s\n", m.QuestionID, m.Row, m.Points, state)
	if m.CanCorrect() {
		if len(m.Corrections) > 0 {
			vals := make([]string, len(m.Corrections))
			for i, v := range m.Corrections {
				vals[i] = strconv.Itoa(v)
			}
			c.printf("  hosei %d <%s>\n", qid, strings.Join(vals, "|"))
		}
		c.printf("  hosei %d 0      reset correction\n", qid)
	}
	c.printf("  row %d on|off   whole row\n", m.Row)
	c.printf("  all on|off     whole sheet\n")
}

// show prints the sheet row by row in column order.
func (c *console) show() {
	e, ok := c.sess.Exam()
	if !ok {
		c.printf("(no exam)\n")
		return
	}
	st := c.sess.Student()
	if st.IsZero() {
		c.printf("exam %d %q: no student loaded\n", e.ID, e.Title)
		return
	}
	c.printf("exam %d %q  student %s\n", e.ID, e.Title, studentLabel(st))

	rows := map[int][]exam.Question{}
	var order []int
	for _, q := range e.Questions {
		if _, seen := rows[q.Gyo]; !seen {
			order = append(order, q.Gyo)
		}
		rows[q.Gyo] = append(rows[q.Gyo], q)
	}
	sort.Ints(order)
	scores := c.sess.Scores()
	for _, gyo := range order {
		qs := rows[gyo]
		sort.SliceStable(qs, func(i, j int) bool { return qs[i].Retu < qs[j].Retu })
		var cells []string
		for _, q := range qs {
			cells = append(cells, c.cell(q))
		}
		c.printf("row %2d | %s | %d\n", gyo, strings.Join(cells, " "), scores.PerRow[gyo])
	}
	c.printf("total %d\n", scores.Total)
}

func (c *console) cell(q exam.Question) string {
	label := q.QNo
	if label == "" {
		label = strconv.FormatInt(q.ID, 10)
	}
	a, ok := c.sess.Find(q.ID)
	switch {
	case !ok:
		return fmt.Sprintf("[%s -]", label)
	case a.Correct():
		return fmt.Sprintf("[%s o %d]", label, q.Points)
	case a.Hosei > 0:
		return fmt.Sprintf("[%s x +%d]", label, a.Hosei)
	default:
		return fmt.Sprintf("[%s x]", label)
	}
}

func studentLabel(s grading.StudentRef) string {
	switch {
	case s.StdNo != "" && s.ID != 0:
		return fmt.Sprintf("%s (#%d)", s.StdNo, s.ID)
	case s.StdNo != "":
		return s.StdNo
	default:
		return fmt.Sprintf("#%d", s.ID)
	}
}

func argID(args []string, i int, name string) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%s id required", name)
	}
	v, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("bad %s id %q", name, args[i])
	}
	return v, nil
}

func argInt(args []string, i int, name string) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%s required", name)
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", name, args[i])
	}
	return v, nil
}

func argOnOff(args []string, i int) (bool, error) {
	if i >= len(args) {
		return false, errors.New("on or off required")
	}
	switch strings.ToLower(args[i]) {
	case "on", "true", "1", "o":
		return true, nil
	case "off", "false", "0", "x":
		return false, nil
	}
	return false, fmt.Errorf("want on or off, got %q", args[i])
}
