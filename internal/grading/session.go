package grading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-grader/internal/exam"
)

// Session is one grader working on one student's answer sheet. All writes
// to the registry go through its methods so the answer invariant holds.
type Session struct {
	remote  Remote
	log     *zap.Logger
	rec     Recorder
	timeout time.Duration
	edits   Strategy
	bulk    Strategy
	restore Strategy
	refresh func(Scores)
	now     func() time.Time
	outbox  *Outbox // owned, closed by Close
	oboxCfg OutboxConfig

	guard Guard

	mu        sync.Mutex
	exam      *exam.Exam
	questions map[int64]exam.Question
	reg       *Registry
	snap      *Snapshot
	student   StudentRef
	selected  int64
}

type Option func(*Session)

// WithEditStrategy sets how single toggles and corrections are pushed.
// Default: an Outbox (fire-and-forget, per record).
func WithEditStrategy(s Strategy) Option { return func(x *Session) { x.edits = s } }

// WithBulkStrategy sets how row and exam bulk sets are pushed.
// Default: BatchedStrategy (one awaited request).
func WithBulkStrategy(s Strategy) Option { return func(x *Session) { x.bulk = s } }

func WithLogger(l *zap.Logger) Option       { return func(x *Session) { x.log = l } }
func WithRecorder(r Recorder) Option        { return func(x *Session) { x.rec = r } }
func WithTimeout(d time.Duration) Option    { return func(x *Session) { x.timeout = d } }
func WithRefresh(fn func(Scores)) Option    { return func(x *Session) { x.refresh = fn } }
func WithOutboxConfig(c OutboxConfig) Option { return func(x *Session) { x.oboxCfg = c } }

func NewSession(remote Remote, opts ...Option) *Session {
	s := &Session{
		remote:  remote,
		log:     zap.NewNop(),
		rec:     nopRecorder{},
		timeout: 10 * time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("session")
	s.restore = BatchedStrategy{Remote: remote, Timeout: s.timeout}
	if s.bulk == nil {
		s.bulk = s.restore
	}
	if s.edits == nil {
		if s.oboxCfg.Timeout <= 0 {
			s.oboxCfg.Timeout = s.timeout
		}
		s.outbox = NewOutbox(remote, s.oboxCfg, s.log, s.rec)
		s.edits = s.outbox
	}
	return s
}

// Outbox returns the session-owned outbox, or nil when edits use another strategy.
func (s *Session) Outbox() *Outbox { return s.outbox }

// --- Loading ---

// LoadExam fetches the exam definition. It drops any loaded student.
func (s *Session) LoadExam(ctx context.Context, examID int64) error {
	if s.guard.Busy() {
		s.rec.GuardRejected("load-exam")
		return ErrBusy
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	e, err := s.remote.LoadExam(ctx, examID)
	if err != nil {
		return &LoadError{Op: "exam", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.guard.Busy() {
		return ErrBusy
	}
	s.exam = &e
	s.questions = indexQuestions(e.Questions)
	s.reg, s.snap = nil, nil
	s.student, s.selected = StudentRef{}, 0
	s.log.Info("exam loaded", zap.Int64("exam", e.ID), zap.Int("questions", len(e.Questions)))
	return nil
}

// Load replaces the registry with the student's answers from the remote
// store and takes a new snapshot. On failure nothing changes.
func (s *Session) Load(ctx context.Context, student StudentRef) error {
	if s.guard.Busy() {
		s.rec.GuardRejected("load")
		return ErrBusy
	}
	s.mu.Lock()
	if s.exam == nil {
		s.mu.Unlock()
		return ErrNoExam
	}
	examID := s.exam.ID
	outgoing := s.reg.Records()
	s.mu.Unlock()

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	// Edits still queued for the outgoing sheet must land before it is
	// fetched again, or the new snapshot would miss them.
	if err := s.awaitQueued(ctx, outgoing); err != nil {
		return &LoadError{Op: "answers", Err: fmt.Errorf("unsent edits: %w", err)}
	}
	records, err := s.remote.LoadStudentAnswers(ctx, examID, student)
	if err != nil {
		return &LoadError{Op: "answers", Err: err}
	}

	s.mu.Lock()
	if s.guard.Busy() {
		s.mu.Unlock()
		s.rec.GuardRejected("load")
		return ErrBusy
	}
	if s.exam == nil || s.exam.ID != examID {
		s.mu.Unlock()
		return &LoadError{Op: "answers", Err: errors.New("exam changed during load")}
	}
	s.reg = NewRegistry(normalize(records, s.questions))
	s.snap = newSnapshot(s.reg, s.now())
	s.student = student
	s.selected = 0
	scores := computeScores(s.reg, s.questions)
	s.mu.Unlock()

	s.log.Info("student loaded", zap.Int64("exam", examID), zap.Int64("student", student.ID),
		zap.String("stdNo", student.StdNo), zap.Int("records", len(records)))
	s.notify(scores)
	return nil
}

// --- Single-record mutations ---

// Toggle flips correctness. Becoming correct clears the correction.
// Unknown questions or records are ignored.
func (s *Session) Toggle(ctx context.Context, questionID int64) error {
	s.mu.Lock()
	if s.guard.Busy() {
		s.mu.Unlock()
		s.rec.GuardRejected("toggle")
		return ErrBusy
	}
	a, ok := s.reg.find(questionID)
	if _, known := s.questions[questionID]; !ok || !known {
		s.mu.Unlock()
		return nil
	}
	if a.Correct() {
		a.TF = 0
	} else {
		a.TF = 1
		a.Hosei = 0
	}
	return s.commitEdit(ctx, changeOf(*a), computeScores(s.reg, s.questions))
}

// SetCorrection gives partial credit to an incorrect answer, clamped to
// [0, points-1]. It is ignored for correct answers. Zero resets.
func (s *Session) SetCorrection(ctx context.Context, questionID int64, value int) error {
	s.mu.Lock()
	if s.guard.Busy() {
		s.mu.Unlock()
		s.rec.GuardRejected("set-correction")
		return ErrBusy
	}
	a, ok := s.reg.find(questionID)
	q, known := s.questions[questionID]
	if !ok || !known || a.Correct() {
		s.mu.Unlock()
		return nil
	}
	switch {
	case value < 0:
		value = 0
	case value > q.MaxCorrection():
		value = q.MaxCorrection()
	}
	a.Hosei = value
	return s.commitEdit(ctx, changeOf(*a), computeScores(s.reg, s.questions))
}

// commitEdit pushes one edit and releases s.mu. A queued edit is enqueued
// before the unlock, so a bulk operation or load that follows finds it in
// the outbox.
func (s *Session) commitEdit(ctx context.Context, ch Change, scores Scores) error {
	if _, queued := s.edits.(*Outbox); queued {
		err := s.push(ctx, s.edits, []Change{ch})
		s.mu.Unlock()
		s.notify(scores)
		return err
	}
	s.mu.Unlock()
	s.notify(scores)
	return s.push(ctx, s.edits, []Change{ch})
}

// --- Bulk mutations ---

// BulkSetRow marks every answer in row gyo correct or incorrect and clears
// corrections. It holds the guard until the push settles.
func (s *Session) BulkSetRow(ctx context.Context, gyo int, correct bool) error {
	return s.bulkSet(ctx, "bulk-row", correct, func(s *Session) []*exam.AnswerRecord {
		var out []*exam.AnswerRecord
		for _, q := range s.exam.Questions {
			if q.Gyo != gyo {
				continue
			}
			if a, ok := s.reg.find(q.ID); ok {
				out = append(out, a)
			}
		}
		return out
	})
}

// BulkSetAll is BulkSetRow over every record, regardless of row.
func (s *Session) BulkSetAll(ctx context.Context, correct bool) error {
	return s.bulkSet(ctx, "bulk-all", correct, func(s *Session) []*exam.AnswerRecord {
		out := make([]*exam.AnswerRecord, 0, s.reg.Len())
		for _, a := range s.reg.byQuestion {
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
		return out
	})
}

func (s *Session) bulkSet(ctx context.Context, op string, correct bool, pick func(*Session) []*exam.AnswerRecord) error {
	tf := 0
	if correct {
		tf = 1
	}
	err := s.guard.Run(func() error {
		s.mu.Lock()
		if s.exam == nil || s.reg == nil {
			s.mu.Unlock()
			return nil
		}
		targets := pick(s)
		changes := make([]Change, 0, len(targets))
		for _, a := range targets {
			a.TF, a.Hosei = tf, 0
			changes = append(changes, changeOf(*a))
		}
		scores := computeScores(s.reg, s.questions)
		s.mu.Unlock()

		s.notify(scores)
		s.log.Info(op, zap.Bool("correct", correct), zap.Int("records", len(changes)), zap.String("strategy", s.bulk.Name()))
		if err := s.discardQueued(ctx, changes); err != nil {
			return &SyncError{Strategy: s.bulk.Name(), RecordIDs: recordIDs(changes), Err: err}
		}
		return s.push(ctx, s.bulk, changes)
	})
	if errors.Is(err, ErrBusy) {
		s.rec.GuardRejected(op)
	}
	return err
}

// --- Snapshot / restore ---

// Cancel restores the registry to the last loaded snapshot and pushes every
// record back with one awaited batch. A failed push is returned but the
// restored local state is kept.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	if snap == nil {
		return ErrNoSnapshot
	}

	err := s.guard.Run(func() error {
		s.mu.Lock()
		if s.snap != snap {
			s.mu.Unlock()
			return ErrNoSnapshot
		}
		s.reg = snap.Registry()
		s.selected = 0
		records := s.reg.Records()
		s.mu.Unlock()

		changes := make([]Change, len(records))
		for i, a := range records {
			changes[i] = changeOf(a)
		}
		s.log.Info("restoring snapshot", zap.Int("records", len(changes)), zap.Time("taken_at", snap.TakenAt))
		if err := s.discardQueued(ctx, changes); err != nil {
			return &SyncError{Strategy: s.restore.Name(), RecordIDs: recordIDs(changes), Err: err}
		}
		return s.push(ctx, s.restore, changes)
	})
	if errors.Is(err, ErrBusy) {
		s.rec.GuardRejected("cancel")
		return err
	}

	s.mu.Lock()
	scores := computeScores(s.reg, s.questions)
	s.mu.Unlock()
	s.notify(scores)
	return err
}

// Close ends the session: it waits for queued edits (bounded by ctx), stops
// the owned outbox and clears the session identifiers.
func (s *Session) Close(ctx context.Context) error {
	var err error
	if s.outbox != nil {
		err = s.outbox.Flush(ctx)
		s.outbox.Close()
	}
	s.mu.Lock()
	s.student, s.selected = StudentRef{}, 0
	s.mu.Unlock()
	return err
}

// --- Reads ---

func (s *Session) Busy() bool { return s.guard.Busy() }

func (s *Session) Scores() Scores {
	s.mu.Lock()
	defer s.mu.Unlock()
	return computeScores(s.reg, s.questions)
}

// Records returns copies of the working set ordered by question id.
func (s *Session) Records() []exam.AnswerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.Records()
}

func (s *Session) Find(questionID int64) (exam.AnswerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.Find(questionID)
}

// Exam returns a copy of the loaded exam.
func (s *Session) Exam() (exam.Exam, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exam == nil {
		return exam.Exam{}, false
	}
	e := *s.exam
	e.Questions = append([]exam.Question(nil), e.Questions...)
	return e, true
}

func (s *Session) Student() StudentRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.student
}

// Select remembers the question the correction menu is open for.
func (s *Session) Select(questionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[questionID]; !ok {
		return false
	}
	s.selected = questionID
	return true
}

func (s *Session) Selected() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.selected != 0
}

func (s *Session) push(ctx context.Context, st Strategy, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	start := time.Now()
	err := st.Push(ctx, changes)
	outcome := "ok"
	if _, async := st.(*Outbox); async {
		outcome = "queued"
	}
	if err != nil {
		outcome = "error"
		s.log.Warn("sync failed", zap.String("strategy", st.Name()), zap.Int("records", len(changes)), zap.Error(err))
	}
	s.rec.SyncDone(st.Name(), outcome, time.Since(start))
	return err
}

// queues lists the distinct outboxes edits and bulk sets are delivered through.
func (s *Session) queues() []*Outbox {
	var out []*Outbox
	for _, st := range []Strategy{s.edits, s.bulk} {
		ob, ok := st.(*Outbox)
		if ok && (len(out) == 0 || out[0] != ob) {
			out = append(out, ob)
		}
	}
	return out
}

// discardQueued drops queued edits the batch is about to overwrite and waits
// for the ones already in flight, bounded by the session timeout.
func (s *Session) discardQueued(ctx context.Context, changes []Change) error {
	qs := s.queues()
	if len(qs) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	ids := recordIDs(changes)
	for _, ob := range qs {
		if err := ob.Discard(ctx, ids); err != nil {
			return fmt.Errorf("settle queued edits: %w", err)
		}
	}
	return nil
}

func (s *Session) awaitQueued(ctx context.Context, records []exam.AnswerRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]int64, len(records))
	for i, a := range records {
		ids[i] = a.ID
	}
	for _, ob := range s.queues() {
		if err := ob.Await(ctx, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) notify(scores Scores) {
	if s.refresh != nil {
		s.refresh(scores)
	}
}
