package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"relister/internal/model"
	"relister/internal/store"
	"relister/internal/store/storetest"
)

func intPtr(v int) *int { return &v }

func seed(t *testing.T, s *store.Store, session string, n int) []model.Row {
	t.Helper()
	rows := make([]model.Row, n)
	for i := range rows {
		rows[i] = model.Row{PrevName: "item", SrcImageURL: "https://img.alicdn.com/i/" + string(rune('a'+i)) + ".jpg"}
	}
	out, err := s.ResetSession(context.Background(), session, rows)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	return out
}

func fullSet(img string) [model.CandidateSlots]model.Candidate {
	var c [model.CandidateSlots]model.Candidate
	for i := range c {
		c[i].ImageURL = img
	}
	return c
}

func TestCreateSession(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	sess, created, err := s.CreateSession(ctx, "batch-1", "hash")
	if err != nil || !created || sess.ID != "batch-1" {
		t.Fatalf("create: %+v %v %v", sess, created, err)
	}
	again, created, err := s.CreateSession(ctx, "batch-1", "other")
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	if again.PinHash != "hash" {
		t.Fatalf("existing session must not be overwritten, got %q", again.PinHash)
	}
	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetSessionReplacesWholeBatch(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	first := seed(t, s, "batch-1", 3)
	if err := s.ReplaceCandidates(ctx, first[0].RowID, fullSet("x"), model.RowStatusReady); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, err := s.UpsertLock(ctx, first[0].RowID, "alice"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	other := seed(t, s, "batch-2", 1)

	second := seed(t, s, "batch-1", 2)
	rows, err := s.ListRows(ctx, "batch-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after reset, got %d", len(rows))
	}
	for i, r := range rows {
		if r.Status != model.RowStatusPending || r.Version != 0 || r.OrderNo != i+1 {
			t.Fatalf("row %d not reset: %+v", i, r)
		}
	}
	if second[0].RowID == first[0].RowID {
		t.Fatalf("expected fresh row ids")
	}
	if cands, _ := s.Candidates(ctx, first[0].RowID); len(cands) != 0 {
		t.Fatalf("old candidates must be removed, got %d", len(cands))
	}
	if _, err := s.GetLock(ctx, first[0].RowID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old lock must be removed, got %v", err)
	}
	if rows, _ := s.ListRows(ctx, "batch-2"); len(rows) != 1 || rows[0].RowID != other[0].RowID {
		t.Fatalf("other sessions must be untouched")
	}
}

func TestReplaceCandidatesIsAtomicAndIdempotent(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	row := seed(t, s, "batch-1", 1)[0]

	for run := 0; run < 3; run++ {
		if err := s.ReplaceCandidates(ctx, row.RowID, fullSet("https://img.alicdn.com/run.jpg"), model.RowStatusReady); err != nil {
			t.Fatalf("replace run %d: %v", run, err)
		}
	}
	cands, err := s.Candidates(ctx, row.RowID)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != model.CandidateSlots {
		t.Fatalf("expected exactly 8 candidates, got %d", len(cands))
	}
	for i, c := range cands {
		if c.Idx != i {
			t.Fatalf("slot %d has idx %d", i, c.Idx)
		}
	}
	got, _ := s.GetRow(ctx, row.RowID)
	if got.Status != model.RowStatusReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}

	var missing [model.CandidateSlots]model.Candidate
	if err := s.ReplaceCandidates(ctx, 9999, missing, model.RowStatusEmpty); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown row, got %v", err)
	}
	if cands, _ := s.Candidates(ctx, 9999); len(cands) != 0 {
		t.Fatalf("failed replace must roll back inserted candidates")
	}
}

func TestReplaceCandidatesConcurrentReadersSeeWholeSets(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	row := seed(t, s, "batch-1", 1)[0]
	if err := s.ReplaceCandidates(ctx, row.RowID, fullSet("old"), model.RowStatusReady); err != nil {
		t.Fatalf("seed candidates: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			img := "old"
			if i%2 == 0 {
				img = "new"
			}
			_ = s.ReplaceCandidates(ctx, row.RowID, fullSet(img), model.RowStatusReady)
		}
	}()
	for i := 0; i < 50; i++ {
		cands, err := s.Candidates(ctx, row.RowID)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(cands) != model.CandidateSlots {
			t.Fatalf("observed partial set of %d", len(cands))
		}
		for _, c := range cands[1:] {
			if c.ImageURL != cands[0].ImageURL {
				t.Fatalf("observed mixed set")
			}
		}
	}
	wg.Wait()
}

func TestSaveRowCompareAndSet(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	row := seed(t, s, "batch-1", 1)[0]

	if _, err := s.UpsertLock(ctx, row.RowID, "alice"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	v, err := s.SaveRow(ctx, row.RowID, 0, store.RowPatch{SelectedIdx: intPtr(2)}, "alice")
	if err != nil || v != 1 {
		t.Fatalf("save: v=%d err=%v", v, err)
	}
	if _, err := s.GetLock(ctx, row.RowID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("save should release lock, got %v", err)
	}

	if _, err := s.SaveRow(ctx, row.RowID, 0, store.RowPatch{Skip: true}, "bob"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := s.SaveRow(ctx, 4242, 0, store.RowPatch{}, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	got, _ := s.GetRow(ctx, row.RowID)
	if got.Version != 1 || got.SelectedIdx == nil || *got.SelectedIdx != 2 || got.EditedBy != "alice" {
		t.Fatalf("unexpected row after save: %+v", got)
	}
	if got.Status != model.RowStatusPending {
		t.Fatalf("save must not change status, got %s", got.Status)
	}
}

func TestSaveRowConcurrentWritersExactlyOneWins(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	row := seed(t, s, "batch-1", 1)[0]

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.SaveRow(ctx, row.RowID, 0, store.RowPatch{SelectedIdx: intPtr(i)}, "actor")
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected 1 win and 1 conflict, got %d/%d", wins, conflicts)
	}
	if got, _ := s.GetRow(ctx, row.RowID); got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}
}

func TestAutoSelectOnlyWhenUntouched(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	rows := seed(t, s, "batch-1", 2)

	ok, err := s.AutoSelect(ctx, rows[0].RowID, 4, "auto")
	if err != nil || !ok {
		t.Fatalf("auto select: %v %v", ok, err)
	}
	if _, err := s.SaveRow(ctx, rows[1].RowID, 0, store.RowPatch{Skip: true}, "alice"); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err = s.AutoSelect(ctx, rows[1].RowID, 1, "auto")
	if err != nil || ok {
		t.Fatalf("auto select must not override operator choice: %v %v", ok, err)
	}
	got, _ := s.GetRow(ctx, rows[0].RowID)
	if got.Version != 1 || *got.SelectedIdx != 4 || got.EditedBy != "auto" {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestLocks(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	row := seed(t, s, "batch-1", 1)[0]

	if _, err := s.UpsertLock(ctx, row.RowID, "alice"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := s.UpsertLock(ctx, row.RowID, "bob"); err != nil {
		t.Fatalf("relock: %v", err)
	}
	lk, err := s.GetLock(ctx, row.RowID)
	if err != nil || lk.LockedBy != "bob" {
		t.Fatalf("expected bob's lock, got %+v %v", lk, err)
	}
	if err := s.DeleteLock(ctx, row.RowID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteLock(ctx, row.RowID); err != nil {
		t.Fatalf("delete twice should be fine: %v", err)
	}
}

func TestProgressAndNextRow(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	p, err := s.Progress(ctx, "empty")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Total != 0 || p.Ratio != 1 {
		t.Fatalf("empty session progress = %+v", p)
	}

	rows := seed(t, s, "batch-1", 4)
	_ = s.ReplaceCandidates(ctx, rows[0].RowID, fullSet("x"), model.RowStatusReady)
	_ = s.SetStatus(ctx, rows[1].RowID, model.RowStatusError)
	var empty [model.CandidateSlots]model.Candidate
	_ = s.ReplaceCandidates(ctx, rows[2].RowID, empty, model.RowStatusEmpty)

	p, _ = s.Progress(ctx, "batch-1")
	if p.Total != 4 || p.Done != 3 || p.Ratio != 0.75 {
		t.Fatalf("progress = %+v", p)
	}

	next, err := s.NextRow(ctx, "batch-1")
	if err != nil || next.RowID != rows[0].RowID {
		t.Fatalf("expected first ready row, got %+v %v", next, err)
	}
	if _, err := s.SaveRow(ctx, rows[0].RowID, 0, store.RowPatch{SelectedIdx: intPtr(0)}, "alice"); err != nil {
		t.Fatalf("save: %v", err)
	}
	next, err = s.NextRow(ctx, "batch-1")
	if err != nil || next.RowID != rows[3].RowID {
		t.Fatalf("expected pending row 4, got %+v %v", next, err)
	}

	toRun, _ := s.RowsToProcess(ctx, "batch-1", true)
	if len(toRun) != 2 {
		t.Fatalf("expected error+pending rows to resume, got %d", len(toRun))
	}
	all, _ := s.RowsToProcess(ctx, "batch-1", false)
	if len(all) != 4 {
		t.Fatalf("expected all rows, got %d", len(all))
	}
}
