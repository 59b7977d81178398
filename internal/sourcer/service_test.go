package sourcer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"relister/internal/config"
	"relister/internal/model"
	"relister/internal/pkg/dedup"
	"relister/internal/pkg/jobqueue"
	"relister/internal/store"
	"relister/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type oneHitSearcher struct{}

func (oneHitSearcher) Search(ctx context.Context, imageURL string) ([model.CandidateSlots]model.Candidate, error) {
	var out [model.CandidateSlots]model.Candidate
	out[0].ImageURL = imageURL
	return out, nil
}

func newTestService(t *testing.T) (*Service, *store.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := storetest.New(t)
	cfg := &config.Config{App: config.AppConfig{
		RunGuardTTL:   time.Minute,
		JobPopTimeout: time.Second,
	}}
	svc, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Store:    st,
		Redis:    rdb,
		Searcher: oneHitSearcher{},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, st, rdb
}

func TestWorkerProcessesQueuedSession(t *testing.T) {
	svc, st, rdb := newTestService(t)
	ctx := context.Background()

	_, err := st.ResetSession(ctx, "s1", []model.Row{
		{PrevName: "a", SrcImageURL: "https://img.alicdn.com/a.jpg"},
		{PrevName: "b", SrcImageURL: "https://img.alicdn.com/b.jpg"},
	})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	jobs, _ := jobqueue.NewClient(rdb)
	if err := jobs.Push(ctx, jobqueue.NewJob("s1", false)); err != nil {
		t.Fatalf("push: %v", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.StartWorker(workerCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for svc.Stats().JobsProcessed < 1 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("job was not processed in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop")
	}

	p, err := st.Progress(ctx, "s1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Done != 2 || p.Ratio != 1 {
		t.Fatalf("unexpected progress %+v", p)
	}
	queued, err := jobs.Queued(ctx, "s1")
	if err != nil || queued {
		t.Fatalf("acked job must free the session, queued=%v err=%v", queued, err)
	}
	pending, processing, err := jobs.Depth(ctx)
	if err != nil || pending != 0 || processing != 0 {
		t.Fatalf("queue should be empty, pending=%d processing=%d err=%v", pending, processing, err)
	}
}

func TestHandleJobSkipsRunningSession(t *testing.T) {
	svc, st, rdb := newTestService(t)
	ctx := context.Background()
	if _, err := st.ResetSession(ctx, "s1", []model.Row{{PrevName: "a", SrcImageURL: "https://img.alicdn.com/a.jpg"}}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	// 另一个进程持有会话的运行标记
	if _, ok, err := dedup.NewGuard(rdb, time.Minute).TryAcquire(ctx, "s1"); err != nil || !ok {
		t.Fatalf("seed guard: ok=%v err=%v", ok, err)
	}
	jobs, _ := jobqueue.NewClient(rdb)
	job := jobqueue.NewJob("s1", false)
	if err := jobs.Push(ctx, job); err != nil {
		t.Fatalf("push: %v", err)
	}
	popped, err := jobs.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	svc.handleJob(ctx, popped)

	if got := svc.Stats().JobsSkipped; got != 1 {
		t.Fatalf("expected one skipped job, got %d", got)
	}
	row, err := st.ListRows(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if row[0].Status != model.RowStatusPending {
		t.Fatalf("skipped job must not touch rows, got %s", row[0].Status)
	}
}
