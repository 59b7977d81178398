package editor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relister/internal/model"
	"relister/internal/store"
	"relister/internal/store/storetest"
)

func intPtr(v int) *int       { return &v }
func i64Ptr(v int64) *int64   { return &v }
func newLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T) (*Manager, *store.Store, model.Row) {
	t.Helper()
	st := storetest.New(t)
	rows, err := st.ResetSession(context.Background(), "batch-1", []model.Row{{PrevName: "a", SrcImageURL: "https://img.alicdn.com/a.jpg"}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return NewManager(st, newLogger(), 15*time.Minute), st, rows[0]
}

// bump 把行的 version 推进到 target。
func bump(t *testing.T, m *Manager, rowID uint, target int64) {
	t.Helper()
	for v := int64(0); v < target; v++ {
		if _, err := m.Save(context.Background(), rowID, Mutation{ExpectedVersion: v, Actor: "setup"}); err != nil {
			t.Fatalf("bump to %d: %v", v+1, err)
		}
	}
}

func TestMutationNormalize(t *testing.T) {
	tests := []struct {
		name     string
		in       Mutation
		wantSel  *int
		wantSkip bool
		wantDel  bool
	}{
		{name: "select only", in: Mutation{SelectedIdx: intPtr(3)}, wantSel: intPtr(3)},
		{name: "skip clears select", in: Mutation{SelectedIdx: intPtr(3), Skip: true}, wantSkip: true},
		{name: "delete clears select", in: Mutation{SelectedIdx: intPtr(1), Delete: true}, wantDel: true},
		{name: "delete wins over skip", in: Mutation{Skip: true, Delete: true}, wantDel: true},
		{name: "nothing", in: Mutation{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			if (got.SelectedIdx == nil) != (tt.wantSel == nil) || (got.SelectedIdx != nil && *got.SelectedIdx != *tt.wantSel) {
				t.Fatalf("selected = %v, want %v", got.SelectedIdx, tt.wantSel)
			}
			if got.Skip != tt.wantSkip || got.Delete != tt.wantDel {
				t.Fatalf("skip/delete = %v/%v, want %v/%v", got.Skip, got.Delete, tt.wantSkip, tt.wantDel)
			}
			if got.SelectedIdx != nil && (got.Skip || got.Delete) {
				t.Fatalf("exclusivity violated: %+v", got)
			}
		})
	}
}

func TestSaveTwoWritersSameVersion(t *testing.T) {
	m, st, row := setup(t)
	ctx := context.Background()
	bump(t, m, row.RowID, 5)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	versions := make([]int64, 2)
	for i, actor := range []string{"A", "B"} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			versions[i], errs[i] = m.Save(ctx, row.RowID, Mutation{SelectedIdx: intPtr(i), ExpectedVersion: 5, Actor: actor})
		}(i, actor)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			if winner != -1 {
				t.Fatalf("both writers succeeded")
			}
			winner = i
			if versions[i] != 6 {
				t.Fatalf("winner version = %d, want 6", versions[i])
			}
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("loser error = %v, want conflict", err)
		}
	}
	if winner == -1 {
		t.Fatalf("no writer succeeded")
	}
	got, _ := st.GetRow(ctx, row.RowID)
	if got.Version != 6 || *got.SelectedIdx != winner {
		t.Fatalf("row = version %d selected %v, want 6/%d", got.Version, got.SelectedIdx, winner)
	}
}

func TestSaveSelectClearsSkip(t *testing.T) {
	m, st, row := setup(t)
	ctx := context.Background()

	v, err := m.Save(ctx, row.RowID, Mutation{Skip: true, ExpectedVersion: 0, Actor: "alice"})
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	v, err = m.Save(ctx, row.RowID, Mutation{SelectedIdx: intPtr(3), Baedaji: i64Ptr(3000), ExpectedVersion: v, Actor: "alice"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	got, _ := st.GetRow(ctx, row.RowID)
	if got.Skip || got.Delete || got.SelectedIdx == nil || *got.SelectedIdx != 3 {
		t.Fatalf("unexpected row %+v", got)
	}
	if got.Baedaji == nil || *got.Baedaji != 3000 || got.Version != v {
		t.Fatalf("unexpected baedaji/version %+v", got)
	}
}

func TestSaveKeepsBaedajiUnlessCleared(t *testing.T) {
	m, st, row := setup(t)
	ctx := context.Background()

	v, err := m.Save(ctx, row.RowID, Mutation{Baedaji: i64Ptr(3000), ExpectedVersion: 0, Actor: "alice"})
	if err != nil {
		t.Fatalf("set baedaji: %v", err)
	}
	v, err = m.Save(ctx, row.RowID, Mutation{SelectedIdx: intPtr(2), ExpectedVersion: v, Actor: "bob"})
	if err != nil {
		t.Fatalf("select only: %v", err)
	}
	got, _ := st.GetRow(ctx, row.RowID)
	if got.Baedaji == nil || *got.Baedaji != 3000 {
		t.Fatalf("baedaji lost after select-only save: %v", got.Baedaji)
	}
	if got.SelectedIdx == nil || *got.SelectedIdx != 2 {
		t.Fatalf("selected_idx = %v, want 2", got.SelectedIdx)
	}

	if _, err := m.Save(ctx, row.RowID, Mutation{SelectedIdx: intPtr(2), ClearBaedaji: true, ExpectedVersion: v, Actor: "bob"}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = st.GetRow(ctx, row.RowID)
	if got.Baedaji != nil {
		t.Fatalf("baedaji should be cleared, got %d", *got.Baedaji)
	}

	if _, err := m.Save(ctx, row.RowID, Mutation{Baedaji: i64Ptr(1), ClearBaedaji: true, ExpectedVersion: got.Version, Actor: "bob"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("set and clear together must be rejected, got %v", err)
	}
}

func TestSaveValidation(t *testing.T) {
	m, _, row := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		mut  Mutation
	}{
		{name: "index too high", mut: Mutation{SelectedIdx: intPtr(8), Actor: "a"}},
		{name: "negative index", mut: Mutation{SelectedIdx: intPtr(-1), Actor: "a"}},
		{name: "negative baedaji", mut: Mutation{Baedaji: i64Ptr(-5), Actor: "a"}},
		{name: "no actor", mut: Mutation{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Save(ctx, row.RowID, tt.mut); !errors.Is(err, ErrBadRequest) {
				t.Fatalf("expected ErrBadRequest, got %v", err)
			}
		})
	}
	if _, err := m.Save(ctx, 999, Mutation{Actor: "a"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveIgnoresLockAndReleasesIt(t *testing.T) {
	m, _, row := setup(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, row.RowID, "alice", false); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Save(ctx, row.RowID, Mutation{SelectedIdx: intPtr(0), Actor: "bob"}); err != nil {
		t.Fatalf("lock must be advisory, got %v", err)
	}
	info, err := m.Inspect(ctx, row.RowID, "alice")
	if err != nil || info.Held {
		t.Fatalf("save should release lock, got %+v %v", info, err)
	}
}

func TestAcquireSemantics(t *testing.T) {
	m, _, row := setup(t)
	ctx := context.Background()

	info, err := m.Acquire(ctx, row.RowID, "alice", false)
	if err != nil || !info.Held || info.HeldByOther || info.LockedBy != "alice" {
		t.Fatalf("alice acquire: %+v %v", info, err)
	}
	// 自己续期
	if _, err := m.Acquire(ctx, row.RowID, "alice", false); err != nil {
		t.Fatalf("renew: %v", err)
	}

	info, err = m.Acquire(ctx, row.RowID, "bob", false)
	if !errors.Is(err, ErrLocked) || info.LockedBy != "alice" || !info.HeldByOther {
		t.Fatalf("bob should see alice's lock: %+v %v", info, err)
	}

	info, err = m.Acquire(ctx, row.RowID, "bob", true)
	if err != nil || info.LockedBy != "bob" {
		t.Fatalf("forced acquire: %+v %v", info, err)
	}

	// 16 分钟后锁过期，alice 可以直接接管
	m.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	seen, _ := m.Inspect(ctx, row.RowID, "alice")
	if !seen.Stale || !seen.HeldByOther {
		t.Fatalf("expected stale lock held by other, got %+v", seen)
	}
	info, err = m.Acquire(ctx, row.RowID, "alice", false)
	if err != nil || info.LockedBy != "alice" {
		t.Fatalf("stale takeover: %+v %v", info, err)
	}

	if err := m.Release(ctx, row.RowID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, 12345, "alice", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}
}
