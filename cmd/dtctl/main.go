// Command dtctl is an interactive console over a process-local job
// registry: spawn jobs against a file, list them, pause/resume/stop/
// cancel them, and send query/modify commands. It exists mainly as a
// demo front-end for internal/job and internal/pass together.
//
// Grounded on calvinalkan-agent-task's cmd/sloty/main.go REPL shape
// (liner.State, history file, tab completion, dispatch-by-first-word).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/behrlich/dtapp/internal/device"
	"github.com/behrlich/dtapp/internal/job"
	"github.com/behrlich/dtapp/internal/pass"
)

func main() {
	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args[1:], os.Environ()))
}

// Run is dtctl's whole entry point, parameterized the way
// calvinalkan-agent-task's test harness parameterizes its CLI's Run,
// so a test can drive dispatch() directly without a real terminal.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env []string) int {
	registry := job.NewRegistry()
	console := &console{registry: registry, stdout: stdout}

	l := liner.NewLiner()
	defer l.Close()
	l.SetCtrlCAborts(true)
	l.SetCompleter(console.completer)

	if f, err := os.Open(historyFile(env)); err == nil {
		l.ReadHistory(f)
		f.Close()
	}

	fmt.Fprintln(stdout, "dtctl - job query/modify console")
	fmt.Fprintln(stdout, "Type 'help' for available commands.")

	for {
		line, err := l.Prompt("dtctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(stdout, "\nbye")
				break
			}
			fmt.Fprintf(stderr, "reading input: %v\n", err)
			return 1
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		l.AppendHistory(line)

		if console.dispatch(line) == errQuit {
			break
		}
	}

	if path := historyFile(env); path != "" {
		if f, err := os.Create(path); err == nil {
			l.WriteHistory(f)
			f.Close()
		}
	}

	return 0
}

var errQuit = errors.New("dtctl: quit")

type console struct {
	registry *job.Registry
	stdout   io.Writer
}

func historyFile(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "HOME="); ok {
			return filepath.Join(after, ".dtctl_history")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dtctl_history")
}

// dispatch handles one command line and is unit-testable independent
// of liner/terminal I/O. It returns errQuit on exit/quit/q.
func (c *console) dispatch(line string) error {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		return errQuit
	case "help", "?":
		c.printHelp()
	case "jobs", "ls":
		c.cmdJobs()
	case "pause":
		c.cmdWithJob(args, func(j *job.Job) { j.Pause() })
	case "resume":
		c.cmdWithJob(args, func(j *job.Job) { j.Resume() })
	case "stop":
		c.cmdWithJob(args, func(j *job.Job) { j.Stop() })
	case "cancel":
		c.cmdWithJob(args, func(j *job.Job) { j.Cancel() })
	case "modify":
		c.cmdModify(args)
	case "query":
		c.cmdQuery(args)
	case "spawn":
		c.cmdSpawn(args)
	default:
		fmt.Fprintf(c.stdout, "unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return nil
}

func (c *console) printHelp() {
	fmt.Fprintln(c.stdout, "Commands:")
	fmt.Fprintln(c.stdout, "  jobs                      List registered jobs")
	fmt.Fprintln(c.stdout, "  pause   <id|tag>          Pause a job")
	fmt.Fprintln(c.stdout, "  resume  <id|tag>          Resume a paused job")
	fmt.Fprintln(c.stdout, "  stop    <id|tag>          Request cooperative stop")
	fmt.Fprintln(c.stdout, "  cancel  <id|tag>          Force-cancel a job")
	fmt.Fprintln(c.stdout, "  modify  <id|tag> k=v ...  Apply key=value overrides")
	fmt.Fprintln(c.stdout, "  query   <id|tag>          Print one line per thread")
	fmt.Fprintln(c.stdout, "  spawn   <path> [threads]  Start a job writing/verifying against path")
	fmt.Fprintln(c.stdout, "  help                      Show this help")
	fmt.Fprintln(c.stdout, "  exit / quit / q           Exit")
}

func (c *console) cmdJobs() {
	jobs := c.registry.List()
	if len(jobs) == 0 {
		fmt.Fprintln(c.stdout, "(no jobs)")
		return
	}
	for _, j := range jobs {
		fmt.Fprintf(c.stdout, "%5d  %-20s %s\n", j.ID(), j.Tag(), j.State())
	}
}

func (c *console) findJob(ref string) (*job.Job, bool) {
	if id, err := strconv.ParseUint(ref, 10, 16); err == nil {
		return c.registry.FindByID(uint16(id))
	}
	return c.registry.FindByTag(ref)
}

func (c *console) cmdWithJob(args []string, fn func(j *job.Job)) {
	if len(args) < 1 {
		fmt.Fprintln(c.stdout, "usage: <cmd> <id|tag>")
		return
	}
	j, ok := c.findJob(args[0])
	if !ok {
		fmt.Fprintf(c.stdout, "no such job: %s\n", args[0])
		return
	}
	fn(j)
	fmt.Fprintf(c.stdout, "ok: job %d now %s\n", j.ID(), j.State())
}

func (c *console) cmdModify(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.stdout, "usage: modify <id|tag> key=value [key2=value2 ...]")
		return
	}
	j, ok := c.findJob(args[0])
	if !ok {
		fmt.Fprintf(c.stdout, "no such job: %s\n", args[0])
		return
	}
	spec := strings.Join(args[1:], " ")
	err := job.Modify(spec, func(key, value string) error {
		fmt.Fprintf(c.stdout, "job %d: %s = %s\n", j.ID(), key, value)
		return nil
	})
	if err != nil {
		fmt.Fprintf(c.stdout, "error: %v\n", err)
	}
}

func (c *console) cmdQuery(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.stdout, "usage: query <id|tag>")
		return
	}
	j, ok := c.findJob(args[0])
	if !ok {
		fmt.Fprintf(c.stdout, "no such job: %s\n", args[0])
		return
	}
	lines := j.Query(func(threadNumber int, state job.ThreadState) string {
		return fmt.Sprintf("  thread %2d: %v", threadNumber, state)
	})
	for _, line := range lines {
		fmt.Fprintln(c.stdout, line)
	}
}

func (c *console) cmdSpawn(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.stdout, "usage: spawn <path> [threads]")
		return
	}
	path := args[0]
	threads := 1
	if len(args) >= 2 {
		if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
			threads = n
		}
	}

	raw, err := device.OpenFile(path, device.ModeWrite, false, false)
	if err != nil {
		fmt.Fprintf(c.stdout, "error opening %s: %v\n", path, err)
		return
	}

	main := func(ctx context.Context, threadNumber int, gate *job.PauseGate) job.ThreadResult {
		dev := device.NewContext(device.Params{
			Name:        path,
			Kind:        device.KindFile,
			Mode:        device.ModeWrite,
			RawIO:       raw,
			BlockSize:   4096,
			DeviceIndex: threadNumber,
		})
		dev.InitSlice(threads)

		engine := pass.New([]*device.Context{dev}, nil, pass.Options{
			RecordSize:  4096,
			IODirection: device.DirForward,
			IOType:      device.IOSequential,
		}, nil, nil)

		for {
			select {
			case <-ctx.Done():
				return job.ThreadResult{Status: job.ThreadCancelled, Err: ctx.Err()}
			default:
			}
			gate.Wait()
			res := engine.Run(ctx, pass.ModeFullPass)
			if res.Status == pass.StatusFailure {
				return job.ThreadResult{Status: job.ThreadFinished, Err: res.FirstFailure}
			}
			dev.SetPosition(0)
		}
	}

	j, err := c.registry.CreateJob(job.CreateJobOptions{
		Tag:     filepath.Base(path),
		Threads: threads,
		Main:    main,
	})
	if err != nil {
		fmt.Fprintf(c.stdout, "error: %v\n", err)
		return
	}
	fmt.Fprintf(c.stdout, "spawned job %d (tag=%s, threads=%d)\n", j.ID(), j.Tag(), threads)
}

func (c *console) completer(line string) []string {
	commands := []string{"jobs", "ls", "pause", "resume", "stop", "cancel", "modify", "query", "spawn", "help", "exit", "quit", "q"}
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

// noopMain is a ThreadMain used only to exercise dtctl's console
// commands against a real job in tests without running the pass
// engine the spawn command uses: it finishes after 50ms, or earlier
// when cancelled.
func noopMain(ctx context.Context, threadNumber int, gate *job.PauseGate) job.ThreadResult {
	select {
	case <-ctx.Done():
		return job.ThreadResult{Status: job.ThreadCancelled, Err: ctx.Err()}
	case <-time.After(50 * time.Millisecond):
		return job.ThreadResult{Status: job.ThreadFinished}
	}
}
