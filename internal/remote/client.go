package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-grader/internal/exam"
	"github.com/mind-engage/mindengage-grader/internal/grading"
)

var tracer = otel.Tracer("mindengage-grader/remote")

// StatusError is a non-2xx answer from the store. 404 and 400 unwrap to
// exam.ErrNotFound and exam.ErrInvalid.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return exam.ErrNotFound
	case http.StatusBadRequest:
		return exam.ErrInvalid
	}
	return nil
}

type Config struct {
	BaseURL string
	Timeout time.Duration // per HTTP request; 0 leaves it to the caller's context
	// BatchRetries is how many times a bulk update is re-sent after a transport
	// error or 5xx. Every attempt carries the same X-Request-ID.
	BatchRetries int
	RetryDelay   time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client talks to the grader store API. It implements grading.Remote.
type Client struct {
	base    string
	http    *http.Client
	log     *zap.Logger
	retries int
	delay   time.Duration
	newID   func() string
}

var _ grading.Remote = (*Client)(nil)

func New(cfg Config) *Client {
	h := cfg.HTTPClient
	if h == nil {
		h = &http.Client{}
	}
	if cfg.Timeout > 0 {
		c := *h
		c.Timeout = cfg.Timeout
		h = &c
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    h,
		log:     log.Named("remote"),
		retries: cfg.BatchRetries,
		delay:   delay,
		newID:   uuid.NewString,
	}
}

func (c *Client) LoadExam(ctx context.Context, examID int64) (exam.Exam, error) {
	var e exam.Exam
	err := c.do(ctx, "load exam", http.MethodGet, "/api/exams/"+strconv.FormatInt(examID, 10), nil, nil, &e)
	return e, err
}

// LoadStudentAnswers asks by student id when known, else by student number.
func (c *Client) LoadStudentAnswers(ctx context.Context, examID int64, s grading.StudentRef) ([]exam.AnswerRecord, error) {
	q := url.Values{}
	q.Set("exam", strconv.FormatInt(examID, 10))
	switch {
	case s.ID != 0:
		q.Set("student", strconv.FormatInt(s.ID, 10))
	case s.StdNo != "":
		q.Set("student_stdno", s.StdNo)
	default:
		return nil, errors.New("load answers: empty student reference")
	}
	var out []exam.AnswerRecord
	err := c.do(ctx, "load answers", http.MethodGet, "/api/student-exams?"+q.Encode(), nil, nil, &out)
	return out, err
}

func (c *Client) PatchAnswer(ctx context.Context, recordID int64, p exam.AnswerPatch) error {
	return c.do(ctx, "patch answer", http.MethodPatch, "/api/student-exams/"+strconv.FormatInt(recordID, 10), nil, p, nil)
}

// PatchAnswersBatch sends one all-or-nothing bulk update, retrying on
// transport errors and 5xx with the same request id.
func (c *Client) PatchAnswersBatch(ctx context.Context, items []exam.BatchItem) error {
	reqID := c.newID()
	hdr := http.Header{"X-Request-ID": []string{reqID}}
	var err error
	for attempt := 0; ; attempt++ {
		err = c.do(ctx, "bulk update", http.MethodPatch, "/api/student-exams/bulk_update", hdr, items, nil)
		if err == nil || attempt >= c.retries || !retryable(err) {
			return err
		}
		c.log.Warn("bulk update failed, retrying", zap.String("request_id", reqID), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delay << attempt):
		}
	}
}

func (c *Client) ListStudents(ctx context.Context, examID int64) ([]exam.Student, error) {
	var out []exam.Student
	err := c.do(ctx, "list students", http.MethodGet, "/api/exam-students?exam_id="+strconv.FormatInt(examID, 10), nil, nil, &out)
	return out, err
}

func (c *Client) ExamResult(ctx context.Context, examID int64) (exam.ExamResult, error) {
	var out exam.ExamResult
	err := c.do(ctx, "exam result", http.MethodGet, "/api/examresult?wexamid="+strconv.FormatInt(examID, 10), nil, nil, &out)
	return out, err
}

func (c *Client) UpdateAdjust(ctx context.Context, a exam.Adjust) (exam.Adjust, error) {
	var out exam.Adjust
	err := c.do(ctx, "update adjust", http.MethodPost, "/api/exam-adjust-update", nil, a, &out)
	return out, err
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) do(ctx context.Context, op, method, path string, hdr http.Header, body, out any) error {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.target", path))

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	c.log.Debug(op, zap.String("method", method), zap.String("path", path),
		zap.Int("status", res.StatusCode), zap.Duration("took", time.Since(start)))

	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		se := &StatusError{Op: op, Code: res.StatusCode, Body: strings.TrimSpace(string(msg))}
		span.SetStatus(codes.Error, se.Error())
		return se
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
