package sourcing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relister/internal/model"
	"relister/internal/pkg/dedup"
	"relister/internal/pkg/fetch"
	"relister/internal/pkg/notify"
	"relister/internal/store"
	"relister/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSearcher 记录并发度，按 URL 返回预设结果。
type fakeSearcher struct {
	delay   time.Duration
	results map[string][model.CandidateSlots]model.Candidate
	errs    map[string]error

	active atomic.Int32
	peak   atomic.Int32
	calls  atomic.Int32
}

func (f *fakeSearcher) Search(ctx context.Context, imageURL string) ([model.CandidateSlots]model.Candidate, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer f.active.Add(-1)

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return [model.CandidateSlots]model.Candidate{}, ctx.Err()
	}
	if err, ok := f.errs[imageURL]; ok {
		return [model.CandidateSlots]model.Candidate{}, err
	}
	if r, ok := f.results[imageURL]; ok {
		return r, nil
	}
	return withSales("100"), nil
}

func withSales(sales ...string) [model.CandidateSlots]model.Candidate {
	var out [model.CandidateSlots]model.Candidate
	for i := range out {
		out[i].Idx = i
	}
	for i, s := range sales {
		s := s
		out[i].ImageURL = fmt.Sprintf("https://img.alicdn.com/c/%d.jpg", i)
		out[i].Sales = &s
	}
	return out
}

func seedRows(t *testing.T, st *store.Store, session string, urls ...string) []model.Row {
	t.Helper()
	rows := make([]model.Row, len(urls))
	for i, u := range urls {
		rows[i] = model.Row{PrevName: fmt.Sprintf("item-%d", i), SrcImageURL: u}
	}
	out, err := st.ResetSession(context.Background(), session, rows)
	if err != nil {
		t.Fatalf("reset session: %v", err)
	}
	return out
}

type recordingNotifier struct {
	mu      sync.Mutex
	batches []notify.BatchSummary
}

func (r *recordingNotifier) BatchCompleted(_ context.Context, s notify.BatchSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, s)
	return nil
}

func TestRunBoundsConcurrency(t *testing.T) {
	st := storetest.New(t)
	urls := make([]string, 10)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://img.alicdn.com/src/%d.jpg", i)
	}
	seedRows(t, st, "s1", urls...)

	fs := &fakeSearcher{delay: 20 * time.Millisecond}
	sched := NewScheduler(st, fs, discardLogger(), Options{Workers: 3})

	res, err := sched.Run(context.Background(), "s1", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Total != 10 || res.Processed != 10 || res.Succeeded != 10 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if peak := fs.peak.Load(); peak > 3 {
		t.Fatalf("expected at most 3 concurrent searches, saw %d", peak)
	}
	if calls := fs.calls.Load(); calls != 10 {
		t.Fatalf("expected 10 searches, got %d", calls)
	}
}

func TestRunEndToEndWithUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-RapidAPI-Key") != "k" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		img := r.URL.Query().Get("img")
		switch {
		case strings.HasSuffix(img, "/a.jpg"):
			_, _ = io.WriteString(w, `{"result":{"item":[
				{"pic":"//img.alicdn.com/1.jpg","num_iid":"111","price":"12.50","sales":"1.2万+"},
				{"pic":"//img.alicdn.com/2.jpg","num_iid":"222","price":9,"sales":"300"}
			]}}`)
		case strings.HasSuffix(img, "/b.jpg"):
			_, _ = io.WriteString(w, `{"result":{"item":[]}}`)
		default:
			select {
			case <-time.After(500 * time.Millisecond):
			case <-r.Context().Done():
			}
			_, _ = io.WriteString(w, `{"result":{"item":[]}}`)
		}
	}))
	defer srv.Close()

	st := storetest.New(t)
	rows := seedRows(t, st, "s1",
		"https://img.alicdn.com/src/a.jpg",
		"https://img.alicdn.com/src/b.jpg",
		"https://img.alicdn.com/src/c.jpg",
	)

	policy := fetch.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: 50 * time.Millisecond}
	client := NewSearchClient(fetch.NewClient(discardLogger()), policy, "taobao-advanced.p.rapidapi.com", "k").WithBaseURL(srv.URL)
	notifier := &recordingNotifier{}
	sched := NewScheduler(st, client, discardLogger(), Options{Workers: 3, AutoSelect: true, Notifier: notifier})

	res, err := sched.Run(context.Background(), "s1", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Succeeded != 1 || res.Empty != 1 || res.Failed != 1 || res.Processed != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	ctx := context.Background()
	a, _ := st.GetRow(ctx, rows[0].RowID)
	if a.Status != model.RowStatusReady {
		t.Fatalf("row a: expected ready, got %s", a.Status)
	}
	if a.SelectedIdx == nil || *a.SelectedIdx != 0 || a.EditedBy != AutoSelectActor {
		t.Fatalf("row a: expected auto-selected slot 0, got %+v", a)
	}
	cands, _ := st.Candidates(ctx, rows[0].RowID)
	if len(cands) != model.CandidateSlots {
		t.Fatalf("row a: expected 8 candidates, got %d", len(cands))
	}
	if cands[0].ImageURL != "https://img.alicdn.com/1.jpg" || cands[0].DetailURL != "https://item.taobao.com/item.htm?id=111" {
		t.Fatalf("row a: unexpected first candidate %+v", cands[0])
	}
	if !cands[2].IsEmpty() {
		t.Fatalf("row a: slot 2 should be padding, got %+v", cands[2])
	}

	b, _ := st.GetRow(ctx, rows[1].RowID)
	if b.Status != model.RowStatusEmpty || b.SelectedIdx != nil {
		t.Fatalf("row b: expected empty without selection, got %+v", b)
	}
	c, _ := st.GetRow(ctx, rows[2].RowID)
	if c.Status != model.RowStatusError {
		t.Fatalf("row c: expected error, got %s", c.Status)
	}
	if cands, _ := st.Candidates(ctx, rows[2].RowID); len(cands) != 0 {
		t.Fatalf("row c: failed search must not write candidates")
	}

	p, err := st.Progress(ctx, "s1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Ratio != 1 {
		t.Fatalf("expected ratio 1, got %+v", p)
	}
	if len(notifier.batches) != 1 || notifier.batches[0].Failed != 1 {
		t.Fatalf("expected one batch notification, got %+v", notifier.batches)
	}
}

func TestRunProgressIsMonotonic(t *testing.T) {
	st := storetest.New(t)
	urls := make([]string, 12)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://img.alicdn.com/src/%d.jpg", i)
	}
	seedRows(t, st, "s1", urls...)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	prog := NewRedisProgress(rdb, time.Minute)

	fs := &fakeSearcher{delay: 5 * time.Millisecond, errs: map[string]error{urls[3]: errors.New("boom")}}
	sched := NewScheduler(st, fs, discardLogger(), Options{Workers: 4, Progress: prog})

	var mu sync.Mutex
	var seen []int
	res, err := sched.Run(context.Background(), "s1", RunOptions{OnProgress: func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if total != 12 {
			t.Errorf("unexpected total %d", total)
		}
		seen = append(seen, done)
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failed != 1 || res.Succeeded != 11 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(seen) != 12 {
		t.Fatalf("expected one progress callback per row, got %d", len(seen))
	}
	for i, v := range seen {
		if v != i+1 {
			t.Fatalf("progress not monotonic: %v", seen)
		}
	}

	snap, ok, err := prog.Get(context.Background(), "s1")
	if err != nil || !ok {
		t.Fatalf("expected progress snapshot, ok=%v err=%v", ok, err)
	}
	if snap.Running || snap.Done != 12 || snap.Total != 12 || snap.Ratio != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRunMissingCredentialFailsBeforeAnyRow(t *testing.T) {
	st := storetest.New(t)
	rows := seedRows(t, st, "s1", "https://img.alicdn.com/src/a.jpg")

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client := NewSearchClient(fetch.NewClient(discardLogger()), fetch.Policy{}, "h", "  ").WithBaseURL(srv.URL)
	sched := NewScheduler(st, client, discardLogger(), Options{})
	_, err := sched.Run(context.Background(), "s1", RunOptions{})
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("no upstream call expected")
	}
	row, _ := st.GetRow(context.Background(), rows[0].RowID)
	if row.Status != model.RowStatusPending {
		t.Fatalf("row must stay pending, got %s", row.Status)
	}
}

func TestRunRejectsConcurrentRunForSameSession(t *testing.T) {
	st := storetest.New(t)
	seedRows(t, st, "s1", "https://img.alicdn.com/src/a.jpg")

	guard := dedup.NewGuard(nil, time.Minute)
	token, ok, err := guard.TryAcquire(context.Background(), "s1")
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	fs := &fakeSearcher{}
	sched := NewScheduler(st, fs, discardLogger(), Options{Guard: guard})
	if _, err := sched.Run(context.Background(), "s1", RunOptions{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if fs.calls.Load() != 0 {
		t.Fatalf("duplicate run must not search")
	}

	_ = guard.Release(context.Background(), "s1", token)
	if _, err := sched.Run(context.Background(), "s1", RunOptions{}); err != nil {
		t.Fatalf("run after release: %v", err)
	}
	if held, _ := guard.Held(context.Background(), "s1"); held {
		t.Fatalf("guard must be released after run")
	}
}

func TestRunMarksRowWithoutImageAsError(t *testing.T) {
	st := storetest.New(t)
	rows := seedRows(t, st, "s1", "", "https://img.alicdn.com/src/a.jpg")

	fs := &fakeSearcher{}
	sched := NewScheduler(st, fs, discardLogger(), Options{})
	res, err := sched.Run(context.Background(), "s1", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failed != 1 || res.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	row, _ := st.GetRow(context.Background(), rows[0].RowID)
	if row.Status != model.RowStatusError {
		t.Fatalf("expected error status, got %s", row.Status)
	}
	if fs.calls.Load() != 1 {
		t.Fatalf("row without image must not be searched")
	}
}

func TestRunOnlyIncompleteSkipsFinishedRows(t *testing.T) {
	st := storetest.New(t)
	rows := seedRows(t, st, "s1", "https://img.alicdn.com/src/a.jpg", "https://img.alicdn.com/src/b.jpg")
	if err := st.ReplaceCandidates(context.Background(), rows[0].RowID, withSales("5"), model.RowStatusReady); err != nil {
		t.Fatalf("replace: %v", err)
	}

	fs := &fakeSearcher{}
	prog := &recordingProgress{}
	sched := NewScheduler(st, fs, discardLogger(), Options{Progress: prog})
	res, err := sched.Run(context.Background(), "s1", RunOptions{OnlyIncomplete: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Total != 1 || fs.calls.Load() != 1 {
		t.Fatalf("expected only the pending row to run, got %+v calls=%d", res, fs.calls.Load())
	}
	// 快照按整个会话计数：已完成的行算在 done 里
	want := []string{"start 1/2", "advance 2/2", "finish"}
	if fmt.Sprint(prog.events) != fmt.Sprint(want) {
		t.Fatalf("progress events = %v, want %v", prog.events, want)
	}
}

type recordingProgress struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingProgress) record(e string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingProgress) Start(_ context.Context, _ string, done, total int) error {
	return r.record(fmt.Sprintf("start %d/%d", done, total))
}

func (r *recordingProgress) Advance(_ context.Context, _ string, done, total int) error {
	return r.record(fmt.Sprintf("advance %d/%d", done, total))
}

func (r *recordingProgress) Finish(context.Context, string) error {
	return r.record("finish")
}

func TestRunCanceledContext(t *testing.T) {
	st := storetest.New(t)
	seedRows(t, st, "s1", "https://img.alicdn.com/src/a.jpg", "https://img.alicdn.com/src/b.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	notifier := &recordingNotifier{}
	sched := NewScheduler(st, &fakeSearcher{}, discardLogger(), Options{Notifier: notifier})
	if _, err := sched.Run(ctx, "s1", RunOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(notifier.batches) != 0 {
		t.Fatalf("interrupted run must not notify")
	}
}

func TestRedisProgressLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	p := NewRedisProgress(rdb, time.Minute)

	if _, ok, err := p.Get(ctx, "s1"); err != nil || ok {
		t.Fatalf("expected no snapshot, ok=%v err=%v", ok, err)
	}
	if err := p.Start(ctx, "s1", 0, 4); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Advance(ctx, "s1", 1, 4); err != nil {
		t.Fatalf("advance: %v", err)
	}
	snap, ok, err := p.Get(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !snap.Running || snap.Done != 1 || snap.Total != 4 || snap.Ratio != 0.25 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if err := p.Finish(ctx, "s1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	snap, _, _ = p.Get(ctx, "s1")
	if snap.Running {
		t.Fatalf("expected finished snapshot")
	}
	if ttl := mr.TTL(ProgressKey("s1")); ttl <= 0 {
		t.Fatalf("expected ttl on progress key, got %v", ttl)
	}
}
