package syncx

import (
	"context"
	"database/sql"
	"time"
)

// Request is one client write identified by its X-Request-ID.
type Request struct {
	ID       string
	Type     string
	DataJSON string
}

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type RequestLog struct{ now func() time.Time }

func NewRequestLog() *RequestLog { return &RequestLog{now: time.Now} }

// Claim records r inside the caller's transaction. It reports false when the
// request id was already recorded, in which case the write must be skipped.
func (l *RequestLog) Claim(ctx context.Context, ex Execer, r Request) (bool, error) {
	res, err := ex.ExecContext(ctx,
		`INSERT INTO applied_requests (request_id, typ, data, created_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (request_id) DO NOTHING`,
		r.ID, r.Type, r.DataJSON, l.now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
