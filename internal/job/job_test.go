package job

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func countingMain(counter *int64, iterations int) ThreadMain {
	return func(ctx context.Context, threadNumber int, gate *PauseGate) ThreadResult {
		for i := 0; i < iterations; i++ {
			select {
			case <-ctx.Done():
				return ThreadResult{Status: ThreadCancelled, Err: ctx.Err()}
			default:
			}
			gate.Wait()
			atomic.AddInt64(counter, 1)
			time.Sleep(time.Millisecond)
		}
		return ThreadResult{Status: ThreadFinished}
	}
}

func TestCreateJobRunsAllThreadsToCompletion(t *testing.T) {
	r := NewRegistry()
	var counter int64

	j, err := r.CreateJob(CreateJobOptions{
		Tag:     "t1",
		Threads: 4,
		Main:    countingMain(&counter, 5),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.State() != StateRunning {
		t.Fatalf("State() after CreateJob = %v, want RUNNING", j.State())
	}

	results := j.Wait(r)
	if len(results) != 4 {
		t.Fatalf("len(results) = %d, want 4", len(results))
	}
	for _, res := range results {
		if res.Status != ThreadFinished {
			t.Fatalf("thread result = %+v, want ThreadFinished", res)
		}
	}
	if got := atomic.LoadInt64(&counter); got != 20 {
		t.Fatalf("counter = %d, want 20", got)
	}
	if j.State() != StateFinished {
		t.Fatalf("State() after Wait = %v, want FINISHED", j.State())
	}

	if _, ok := r.FindByID(j.ID()); ok {
		t.Fatal("job still present in registry after Wait")
	}
}

func TestPauseResumeBlocksAndReleasesThreads(t *testing.T) {
	r := NewRegistry()
	var counter int64

	j, err := r.CreateJob(CreateJobOptions{
		Tag:     "pause-test",
		Threads: 1,
		Main:    countingMain(&counter, 10),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	j.Pause()
	if j.State() != StatePaused {
		t.Fatalf("State() after Pause = %v, want PAUSED", j.State())
	}
	time.Sleep(20 * time.Millisecond)
	pausedCount := atomic.LoadInt64(&counter)

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt64(&counter); got != pausedCount {
		t.Fatalf("counter advanced while paused: %d -> %d", pausedCount, got)
	}

	j.Resume()
	if j.State() != StateRunning {
		t.Fatalf("State() after Resume = %v, want RUNNING", j.State())
	}
	j.Wait(r)

	if got := atomic.LoadInt64(&counter); got != 10 {
		t.Fatalf("counter = %d, want 10", got)
	}
}

func TestStopCancelsThreadsCooperatively(t *testing.T) {
	r := NewRegistry()
	var counter int64

	j, err := r.CreateJob(CreateJobOptions{
		Tag:     "stop-test",
		Threads: 2,
		Main:    countingMain(&counter, 1000),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	j.Stop()
	results := j.Wait(r)

	for _, res := range results {
		if res.Status != ThreadCancelled {
			t.Fatalf("thread result = %+v, want ThreadCancelled after Stop", res)
		}
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("thread err = %v, want context.Canceled", res.Err)
		}
	}
}

func TestRegistryFindByTagAndPrefix(t *testing.T) {
	r := NewRegistry()
	var counter int64

	j1, _ := r.CreateJob(CreateJobOptions{Tag: "nightly-run-1", Threads: 1, Main: countingMain(&counter, 1)})
	j2, _ := r.CreateJob(CreateJobOptions{Tag: "nightly-run-2", Threads: 1, Main: countingMain(&counter, 1)})
	defer j1.Wait(r)
	defer j2.Wait(r)

	found, ok := r.FindByTag("nightly-run-1")
	if !ok || found.ID() != j1.ID() {
		t.Fatalf("FindByTag(nightly-run-1) = %v, %v", found, ok)
	}

	matches := r.FindByTagPrefix("nightly-run")
	if len(matches) != 2 {
		t.Fatalf("FindByTagPrefix matched %d jobs, want 2", len(matches))
	}
}

func TestModifyAppliesKeyValuePairs(t *testing.T) {
	applied := map[string]string{}
	err := Modify("delay=10 debug=1", func(key, value string) error {
		applied[key] = value
		return nil
	})
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if applied["delay"] != "10" || applied["debug"] != "1" {
		t.Fatalf("applied = %+v", applied)
	}
}

func TestModifyRejectsMalformedToken(t *testing.T) {
	err := Modify("notkeyvalue", func(key, value string) error { return nil })
	if err == nil {
		t.Fatal("Modify with malformed token = nil error, want error")
	}
}

func TestQueryFormatsOneLinePerThread(t *testing.T) {
	r := NewRegistry()
	var counter int64
	j, _ := r.CreateJob(CreateJobOptions{Tag: "query-test", Threads: 3, Main: countingMain(&counter, 1)})
	defer j.Wait(r)

	lines := j.Query(func(threadNumber int, state ThreadState) string {
		return "thread"
	})
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
}

func TestIOLockReleasesAllThreadsTogether(t *testing.T) {
	r := NewRegistry()
	const threads = 3
	releaseOrder := make(chan int, threads)

	main := func(ctx context.Context, threadNumber int, gate *PauseGate) ThreadResult {
		return ThreadResult{Status: ThreadFinished}
	}

	j, err := r.CreateJob(CreateJobOptions{
		Tag:       "iolock-test",
		Threads:   threads,
		UseIOLock: true,
		Main:      main,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.IOLock() == nil {
		t.Fatal("IOLock() = nil, want coordinator")
	}

	for i := 0; i < threads; i++ {
		go func(i int) {
			j.IOLock().WaitForThreadsDone(nil)
			releaseOrder <- i
		}(i)
	}

	timeout := time.After(time.Second)
	for i := 0; i < threads; i++ {
		select {
		case <-releaseOrder:
		case <-timeout:
			t.Fatal("timed out waiting for iolock release")
		}
	}

	j.Wait(r)
}
