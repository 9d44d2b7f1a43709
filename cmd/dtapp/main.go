// Command dtapp runs a single-pass data-integrity exercise against one
// or more files/devices and reports a pass/fail summary.
//
// Grounded on the teacher's cmd/ublk-mem/main.go (flag parsing,
// signal handling, deferred cleanup), adapted from creating a ublk
// device to opening dtapp's own device contexts and running one pass
// of the engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/behrlich/dtapp/internal/arena"
	"github.com/behrlich/dtapp/internal/catalog"
	"github.com/behrlich/dtapp/internal/constants"
	"github.com/behrlich/dtapp/internal/device"
	"github.com/behrlich/dtapp/internal/format"
	"github.com/behrlich/dtapp/internal/logging"
	"github.com/behrlich/dtapp/internal/pass"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := pflag.NewFlagSet("dtapp", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		inputFile  = fs.String("if", "", "input file/device path")
		outputFile = fs.String("of", "", "output file/device path (defaults to --if)")
		blockSize  = fs.String("bs", "8k", "record size, e.g. 4k, 1m")
		limit      = fs.String("limit", "", "total bytes to transfer, e.g. 64m (0/empty = until EOF/device end)")
		passes     = fs.Uint("passes", 1, "number of passes")
		iodir      = fs.String("iodir", "forward", "forward|reverse (any other value runs forward)")
		iotype     = fs.String("iotype", "sequential", "sequential|random")
		pattern    = fs.String("pattern", "iot", "iot|incrementing|constant")
		oDirect    = fs.Bool("direct", false, "open with O_DIRECT")
		truncate   = fs.Bool("trunc", false, "truncate output file on open")
		verbose    = fs.Bool("v", false, "verbose logging")
		workload   = fs.String("workload", "", "run a named workload from the built-in catalog instead of ad-hoc flags")
		logPrefix  = fs.String("logprefix", "", "prefix template for log lines (format-engine tokens)")
		iouring    = fs.Bool("iouring", false, "use the io_uring submission path if built with -tags iouring")
	)
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logConfig.Output = stderr
	logger := logging.NewLogger(logConfig)

	if *logPrefix != "" {
		fc := &format.Context{DeviceName: *outputFile, JobTag: *workload, StartTime: time.Now()}
		logger.Infof("%s", format.Expand(*logPrefix, fc))
	}

	if *workload != "" {
		wl, err := loadWorkload(*workload)
		if err != nil {
			logger.Errorf("workload %q: %v", *workload, err)
			return 1
		}
		applyWorkloadOverrides(wl, passes, iodir, iotype, pattern)
	}

	if *inputFile == "" {
		fmt.Fprintln(stderr, "dtapp: --if is required")
		return 1
	}
	if *outputFile == "" {
		*outputFile = *inputFile
	}

	recordSize, err := parseSize(*blockSize)
	if err != nil {
		fmt.Fprintf(stderr, "dtapp: invalid --bs %q: %v\n", *blockSize, err)
		return 1
	}
	var dataLimit uint64
	if *limit != "" {
		n, err := parseSize(*limit)
		if err != nil {
			fmt.Fprintf(stderr, "dtapp: invalid --limit %q: %v\n", *limit, err)
			return 1
		}
		dataLimit = uint64(n)
	}

	// A direct-I/O allocation arena backs every record buffer this
	// context hands to WriteRecord/ReadRecord: Linux rejects unaligned
	// user buffers for O_DIRECT transfers, so make(.) is not safe here.
	var deviceArena *arena.Arena
	if *oDirect {
		deviceArena = arena.New()
	}

	mode := device.ModeWrite
	raw, err := device.OpenFile(*outputFile, mode, *oDirect, *truncate)
	if err != nil {
		logger.Errorf("open %s: %v", *outputFile, err)
		return 254
	}
	dev := device.NewContext(device.Params{
		Name:      *outputFile,
		Kind:      device.KindFile,
		Mode:      mode,
		RawIO:     raw,
		BlockSize: int64(recordSize),
		Arena:     deviceArena,
		Logger:    logger,
	})
	defer dev.Close()

	// Mirror mode (§1, §4.G): a distinct --if names the read-side
	// device paired with --of; after each output write the pass engine
	// re-reads this device at the same offset and compares.
	var inputDevices []*device.Context
	mirror := *inputFile != *outputFile
	if mirror {
		inRaw, err := device.OpenFile(*inputFile, device.ModeRead, *oDirect, false)
		if err != nil {
			logger.Errorf("open %s: %v", *inputFile, err)
			return 254
		}
		inDev := device.NewContext(device.Params{
			Name:      *inputFile,
			Kind:      device.KindFile,
			Mode:      device.ModeRead,
			RawIO:     inRaw,
			BlockSize: int64(recordSize),
			Arena:     deviceArena,
			Logger:    logger,
		})
		defer inDev.Close()
		inputDevices = []*device.Context{inDev}
	}

	if *iouring {
		ring, err := dev.TryIOUring(256)
		if err != nil {
			logger.Warnf("iouring requested but unavailable: %v (falling back to pread/pwrite)", err)
		} else {
			defer ring.Close()
			logger.Infof("iouring submission ring active")
		}
	}

	dir := device.DirForward
	if *iodir == "reverse" {
		dir = device.DirReverse
	}
	typ := device.IOSequential
	if *iotype == "random" {
		typ = device.IORandom
	}
	patType, patFilePath := patternCode(*pattern)

	opts := pass.Options{
		RecordSize:      recordSize,
		DataLimit:       dataLimit,
		ErrorLimit:      constants.DefaultErrorLimit,
		IODirection:     dir,
		IOType:          typ,
		Mirror:          mirror,
		PatternType:     patType,
		PatternFilePath: patFilePath,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warnf("received shutdown signal, cancelling pass")
		cancel()
	}()

	var finalStatus pass.Status
	for p := uint(0); p < *passes; p++ {
		engine := pass.New([]*device.Context{dev}, inputDevices, opts, nil, logger)
		res := engine.Run(ctx, pass.ModeFullPass)
		finalStatus = res.Status
		fmt.Fprintf(stdout, "pass %d: %s records=%d bytes=%d errors=%d\n",
			p+1, res.Status, res.RecordsPass, res.BytesPass, res.Errors)
		if res.Status == pass.StatusFailure {
			logger.Errorf("pass %d failed: %v", p+1, res.FirstFailure)
			break
		}
		dev.SetPosition(0)
		dev.ResetPass()
	}

	switch finalStatus {
	case pass.StatusSuccess, pass.StatusEndOfFile:
		return 0
	case pass.StatusWarning:
		return 0
	default:
		return 1
	}
}

// parseSize parses "64M"/"1G"/"512K"/"4k" size strings, same shape as
// the teacher's parseSize but case-insensitive on the suffix and
// accepting a bare byte count.
func parseSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	multiplier := 1
	numStr := upper
	switch {
	case strings.HasSuffix(upper, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(upper, "K")
	case strings.HasSuffix(upper, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(upper, "M")
	case strings.HasSuffix(upper, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(upper, "G")
	}

	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

// patternCode maps a --pattern flag value to its constants.Pattern*
// code and, for the file-backed pattern ("file:<path>" or
// "pfile:<path>"), the path to load. The path component is optional;
// an engine built without one falls back to the IOT pattern.
func patternCode(name string) (uint8, string) {
	lower := strings.ToLower(name)
	if rest, ok := strings.CutPrefix(lower, "file:"); ok {
		return constants.PatternFile, rest
	}
	if rest, ok := strings.CutPrefix(lower, "pfile:"); ok {
		return constants.PatternFile, rest
	}
	switch lower {
	case "incrementing":
		return constants.PatternIncrementing, ""
	case "constant":
		return constants.PatternConstant, ""
	case "file", "pfile":
		return constants.PatternFile, ""
	default:
		return constants.PatternIOT, ""
	}
}

func loadWorkload(name string) (catalog.Entry, error) {
	f := catalog.DefaultWorkloads()
	for _, w := range f.Workloads {
		if w.Name == name {
			return w, nil
		}
	}
	return catalog.Entry{}, fmt.Errorf("unknown workload %q (known: %s)", name, strings.Join(workloadNames(f), ", "))
}

func workloadNames(f catalog.File) []string {
	names := make([]string, len(f.Workloads))
	for i, w := range f.Workloads {
		names[i] = w.Name
	}
	return names
}

func applyWorkloadOverrides(w catalog.Entry, passes *uint, iodir, iotype, pattern *string) {
	opts := w.ToOptions()
	if v, ok := opts["passes"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*passes = uint(n)
		}
	}
	if v, ok := opts["iodir"]; ok {
		*iodir = v
	}
	if v, ok := opts["iotype"]; ok {
		*iotype = v
	}
	if v, ok := opts["pattern"]; ok {
		*pattern = v
	}
}
