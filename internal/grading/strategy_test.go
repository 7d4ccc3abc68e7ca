package grading

import (
	"context"
	"errors"
	"testing"

	"github.com/mind-engage/mindengage-grader/internal/exam"
)

func TestBatchedStrategy_SendsOneRequest(t *testing.T) {
	fr := twoByTwo()
	b := BatchedStrategy{Remote: fr}
	err := b.Push(context.Background(), []Change{
		{RecordID: 101, TF: 1},
		{RecordID: 102, Hosei: 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(fr.batches) != 1 {
		t.Fatalf("batches=%d", len(fr.batches))
	}
	want := []exam.BatchItem{{ID: 101, TF: 1}, {ID: 102, Hosei: 4}}
	for i, it := range fr.batches[0] {
		if it != want[i] {
			t.Fatalf("item %d = %+v, want %+v", i, it, want[i])
		}
	}

	if err := b.Push(context.Background(), nil); err != nil || len(fr.batches) != 1 {
		t.Fatalf("empty push should not call the remote")
	}
}

func TestBatchedStrategy_WrapsFailure(t *testing.T) {
	fr := twoByTwo()
	fr.batchErr = errors.New("validation failed")
	err := BatchedStrategy{Remote: fr}.Push(context.Background(), []Change{{RecordID: 101}, {RecordID: 103}})
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("err=%v", err)
	}
	if len(se.RecordIDs) != 2 || !errors.Is(err, fr.batchErr) {
		t.Fatalf("sync error %+v", se)
	}
}

func TestPerRecordStrategy_ReportsOnlyFailedRecords(t *testing.T) {
	fr := twoByTwo()
	fr.patchFails[102] = 1
	p := PerRecordStrategy{Remote: fr, Parallel: 2}

	err := p.Push(context.Background(), []Change{
		{RecordID: 101, TF: 1},
		{RecordID: 102, TF: 1},
		{RecordID: 103, TF: 0},
	})
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("err=%v", err)
	}
	if se.Strategy != "per-record" || len(se.RecordIDs) != 1 || se.RecordIDs[0] != 102 {
		t.Fatalf("sync error %+v", se)
	}
	if fr.patchCount() != 3 {
		t.Fatalf("every record should be attempted, got %d", fr.patchCount())
	}
}

func TestPerRecordStrategy_AllOK(t *testing.T) {
	fr := twoByTwo()
	if err := (PerRecordStrategy{Remote: fr}).Push(context.Background(), []Change{{RecordID: 101}, {RecordID: 102}}); err != nil {
		t.Fatal(err)
	}
	if fr.patchCount() != 2 {
		t.Fatalf("patches=%d", fr.patchCount())
	}
}

func TestSession_PerRecordBulkStrategy(t *testing.T) {
	fr := twoByTwo()
	s := loadedSession(t, fr, WithBulkStrategy(PerRecordStrategy{Remote: fr}))
	if err := s.BulkSetRow(context.Background(), 1, true); err != nil {
		t.Fatal(err)
	}
	if fr.patchCount() != 2 {
		t.Fatalf("patches=%d, want 2", fr.patchCount())
	}
	// cancel always restores with one batch
	if err := s.Cancel(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(fr.lastBatch()); n != 4 {
		t.Fatalf("restore batch=%d", n)
	}
}
