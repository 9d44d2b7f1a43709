package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/behrlich/dtapp/internal/job"
)

func newTestConsole() (*console, *bytes.Buffer) {
	var buf bytes.Buffer
	return &console{registry: job.NewRegistry(), stdout: &buf}, &buf
}

func TestDispatchJobsEmpty(t *testing.T) {
	c, buf := newTestConsole()
	c.dispatch("jobs")
	if !strings.Contains(buf.String(), "no jobs") {
		t.Fatalf("output = %q, want it to mention no jobs", buf.String())
	}
}

func TestDispatchJobsListsRegisteredJob(t *testing.T) {
	c, buf := newTestConsole()
	j, err := c.registry.CreateJob(job.CreateJobOptions{Tag: "demo", Threads: 1, Main: noopMain})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	defer j.Wait(c.registry)

	c.dispatch("jobs")
	if !strings.Contains(buf.String(), "demo") {
		t.Fatalf("output = %q, want it to list tag demo", buf.String())
	}
}

func TestDispatchPauseResumeByTag(t *testing.T) {
	c, buf := newTestConsole()
	j, _ := c.registry.CreateJob(job.CreateJobOptions{Tag: "demo", Threads: 1, Main: noopMain})
	defer j.Wait(c.registry)

	c.dispatch("pause demo")
	if j.State() != job.StatePaused {
		t.Fatalf("State() after pause = %v, want PAUSED", j.State())
	}
	if !strings.Contains(buf.String(), "PAUSED") {
		t.Fatalf("output = %q, want it to mention PAUSED", buf.String())
	}

	buf.Reset()
	c.dispatch("resume demo")
	if j.State() != job.StateRunning {
		t.Fatalf("State() after resume = %v, want RUNNING", j.State())
	}
}

func TestDispatchUnknownJobReportsError(t *testing.T) {
	c, buf := newTestConsole()
	c.dispatch("pause nope")
	if !strings.Contains(buf.String(), "no such job") {
		t.Fatalf("output = %q, want it to mention no such job", buf.String())
	}
}

func TestDispatchQuitReturnsErrQuit(t *testing.T) {
	c, _ := newTestConsole()
	if err := c.dispatch("quit"); err != errQuit {
		t.Fatalf("dispatch(quit) = %v, want errQuit", err)
	}
}

func TestDispatchModifyAppliesKeyValues(t *testing.T) {
	c, buf := newTestConsole()
	j, _ := c.registry.CreateJob(job.CreateJobOptions{Tag: "demo", Threads: 1, Main: noopMain})
	defer j.Wait(c.registry)

	c.dispatch("modify demo delay=5")
	if !strings.Contains(buf.String(), "delay = 5") {
		t.Fatalf("output = %q, want it to echo the modify", buf.String())
	}
}

func TestDispatchSpawnCreatesJob(t *testing.T) {
	c, buf := newTestConsole()
	path := t.TempDir() + "/spawn.dat"

	c.dispatch("spawn " + path + " 1")
	if !strings.Contains(buf.String(), "spawned job") {
		t.Fatalf("output = %q, want it to confirm spawn", buf.String())
	}

	jobs := c.registry.List()
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	jobs[0].Stop()
	jobs[0].Wait(c.registry)
}
