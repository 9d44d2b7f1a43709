// Package format expands "%"-prefixed tokens in log prefixes, keepalive
// messages, data prefixes written into records, and file paths. It is
// the single string-templating mechanism shared by every caller in
// dtapp, mirroring how the teacher's internal/logging centralizes its
// one piece of string formatting (formatArgs) instead of letting each
// caller hand-roll its own.
package format

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Context carries every value a token might expand to. Callers only
// need to populate the fields relevant to their template; zero values
// expand to an empty or zero representation.
type Context struct {
	DeviceName     string
	RealDeviceName string
	JobID          uint16
	JobTag         string
	ThreadNumber   int
	ThreadID       string

	PassCount, PassLimit   uint64
	ErrorCount, ErrorLimit uint64

	RecordsReadPass, RecordsReadTotal   uint64
	RecordsWrittenPass, RecordsWritten  uint64
	BytesPass, BytesTotal               uint64
	FilesPass, FilesTotal               uint64
	SecondsPass, SecondsTotal           float64

	IODirection string // "forward" | "reverse"
	IOType      string // "sequential" | "random"
	LBA         uint64
	Offset      int64
	BufferMode  string

	SANSerial string
	SANVendor string
	SANDevID  string

	ScriptName string
	TmpDir     string
	ArrayName  string

	SequenceNumber uint64
	StartTime      time.Time
	PrevEventTime  time.Time

	// ReadIOPS/WriteIOPS etc. are derived throughput numbers a caller
	// computes once per refresh and hands in, rather than the engine
	// recomputing them on every token expansion.
	ReadIOPSPass, WriteIOPSPass   float64
	ReadIOPSTotal, WriteIOPSTotal float64
	BPSPass, BPSTotal             float64
}

// wordSize is the data-pattern word width; data prefixes must be
// padded up to a multiple of this so random-offset I/O never breaks
// pattern alignment (spec §4.B).
const wordSize = 4

var hostnameShort, hostnameFull string

func init() {
	full, err := os.Hostname()
	if err != nil {
		full = "unknown"
	}
	hostnameFull = full
	if i := strings.IndexByte(full, '.'); i >= 0 {
		hostnameShort = full[:i]
	} else {
		hostnameShort = full
	}
}

type tokenFunc func(c *Context) string

// tokens is the longest-match, case-insensitive keyword table. Keys
// are matched in order of decreasing length so e.g. "bytes" is tried
// before "b"; where both cases of a key exist (b/B, bps/BPS, ...), the
// lowercase one is the per-pass value and the uppercase one the total.
// Unknown tokens are left untouched in the output.
var tokens = map[string]tokenFunc{
	"device":      func(c *Context) string { return c.DeviceName },
	"dsf":         func(c *Context) string { return c.DeviceName },
	"realdevice":  func(c *Context) string { return c.RealDeviceName },
	"host":        func(c *Context) string { return hostnameShort },
	"hostshort":   func(c *Context) string { return hostnameShort },
	"hostfull":    func(c *Context) string { return hostnameFull },
	"pid":         func(c *Context) string { return strconv.Itoa(os.Getpid()) },
	"ppid":        func(c *Context) string { return strconv.Itoa(os.Getppid()) },
	"user":        func(c *Context) string { return currentUsername() },
	"job":         func(c *Context) string { return strconv.Itoa(int(c.JobID)) },
	"jobtag":      func(c *Context) string { return c.JobTag },
	"thread":      func(c *Context) string { return strconv.Itoa(c.ThreadNumber) },
	"tid":         func(c *Context) string { return c.ThreadID },
	"uuid":        func(c *Context) string { return uuid.NewString() },
	"pass":        func(c *Context) string { return strconv.FormatUint(c.PassCount, 10) },
	"passes":      func(c *Context) string { return strconv.FormatUint(c.PassLimit, 10) },
	"errors":      func(c *Context) string { return strconv.FormatUint(c.ErrorCount, 10) },
	"errorlimit":  func(c *Context) string { return strconv.FormatUint(c.ErrorLimit, 10) },
	"records":     func(c *Context) string { return strconv.FormatUint(c.RecordsWrittenPass+c.RecordsReadPass, 10) },
	"totalrecords": func(c *Context) string {
		return strconv.FormatUint(c.RecordsWritten+c.RecordsReadTotal, 10)
	},
	"bytes":      func(c *Context) string { return strconv.FormatUint(c.BytesPass, 10) },
	"totalbytes": func(c *Context) string { return strconv.FormatUint(c.BytesTotal, 10) },
	"megabytes":  func(c *Context) string { return fmt.Sprintf("%.2f", float64(c.BytesPass)/(1<<20)) },
	"totalmegabytes": func(c *Context) string {
		return fmt.Sprintf("%.2f", float64(c.BytesTotal)/(1<<20))
	},
	"kilobytes":      func(c *Context) string { return fmt.Sprintf("%.2f", float64(c.BytesPass)/(1<<10)) },
	"totalkilobytes": func(c *Context) string { return fmt.Sprintf("%.2f", float64(c.BytesTotal)/(1<<10)) },
	"files":          func(c *Context) string { return strconv.FormatUint(c.FilesPass, 10) },
	"totalfiles":     func(c *Context) string { return strconv.FormatUint(c.FilesTotal, 10) },
	"seconds":        func(c *Context) string { return fmt.Sprintf("%.3f", c.SecondsPass) },
	"totalseconds":   func(c *Context) string { return fmt.Sprintf("%.3f", c.SecondsTotal) },
	"elapsed":        func(c *Context) string { return formatElapsed(c.StartTime) },
	"iodir":          func(c *Context) string { return c.IODirection },
	"iotype":         func(c *Context) string { return c.IOType },
	"lba":            func(c *Context) string { return strconv.FormatUint(c.LBA, 10) },
	"offset":         func(c *Context) string { return strconv.FormatInt(c.Offset, 10) },
	"bufmode":        func(c *Context) string { return c.BufferMode },
	"ymd":            func(c *Context) string { return time.Now().Format("20060102") },
	"year":           func(c *Context) string { return time.Now().Format("2006") },
	"month":          func(c *Context) string { return time.Now().Format("01") },
	"day":            func(c *Context) string { return time.Now().Format("02") },
	"hms":            func(c *Context) string { return time.Now().Format("150405") },
	"hour":           func(c *Context) string { return time.Now().Format("15") },
	"minute":         func(c *Context) string { return time.Now().Format("04") },
	"second":         func(c *Context) string { return time.Now().Format("05") },
	"seq":            func(c *Context) string { return strconv.FormatUint(c.SequenceNumber, 10) },
	"tod":            func(c *Context) string { return time.Now().Format(time.RFC3339) },
	"sincelast":      func(c *Context) string { return formatElapsed(c.PrevEventTime) },
	"script":         func(c *Context) string { return c.ScriptName },
	"tmpdir":         func(c *Context) string { return c.TmpDir },
	"array":          func(c *Context) string { return c.ArrayName },
	"serial":         func(c *Context) string { return c.SANSerial },
	"vendor":         func(c *Context) string { return c.SANVendor },
	"devid":          func(c *Context) string { return c.SANDevID },
	"bps":            func(c *Context) string { return fmt.Sprintf("%.2f", c.BPSPass) },
	"BPS":            func(c *Context) string { return fmt.Sprintf("%.2f", c.BPSTotal) },
	"iops":           func(c *Context) string { return fmt.Sprintf("%.2f", c.ReadIOPSPass+c.WriteIOPSPass) },
	"IOPS": func(c *Context) string {
		return fmt.Sprintf("%.2f", c.ReadIOPSTotal+c.WriteIOPSTotal)
	},

	// single-letter legacy aliases for the most common tokens
	"d": func(c *Context) string { return c.DeviceName },
	"h": func(c *Context) string { return hostnameShort },
	"H": func(c *Context) string { return hostnameFull },
	"p": func(c *Context) string { return strconv.Itoa(os.Getpid()) },
	"j": func(c *Context) string { return strconv.Itoa(int(c.JobID)) },
	"t": func(c *Context) string { return strconv.Itoa(c.ThreadNumber) },
	"u": func(c *Context) string { return uuid.NewString() },
	"b": func(c *Context) string { return strconv.FormatUint(c.BytesPass, 10) },
	"B": func(c *Context) string { return strconv.FormatUint(c.BytesTotal, 10) },
	"m": func(c *Context) string { return fmt.Sprintf("%.2f", float64(c.BytesPass)/(1<<20)) },
	"M": func(c *Context) string { return fmt.Sprintf("%.2f", float64(c.BytesTotal)/(1<<20)) },
	"k": func(c *Context) string { return fmt.Sprintf("%.2f", float64(c.BytesPass)/(1<<10)) },
	"K": func(c *Context) string { return fmt.Sprintf("%.2f", float64(c.BytesTotal)/(1<<10)) },
	"f": func(c *Context) string { return strconv.FormatUint(c.FilesPass, 10) },
	"F": func(c *Context) string { return strconv.FormatUint(c.FilesTotal, 10) },
	"s": func(c *Context) string { return fmt.Sprintf("%.3f", c.SecondsPass) },
	"S": func(c *Context) string { return fmt.Sprintf("%.3f", c.SecondsTotal) },
}

// sortedTokenKeys caches the keyword list ordered longest-first so
// Expand never has to re-sort on every call.
var sortedTokenKeys = buildSortedKeys()

func buildSortedKeys() []string {
	keys := make([]string, 0, len(tokens))
	for k := range tokens {
		keys = append(keys, k)
	}
	// simple insertion sort by descending length; the table is small
	// and built once at package init.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && len(keys[j]) > len(keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}

func formatElapsed(since time.Time) string {
	if since.IsZero() {
		return "0.000"
	}
	return fmt.Sprintf("%.3f", time.Since(since).Seconds())
}

// Expand replaces every "%token" and backslash escape in template
// with its expansion against c. Tokens are matched case-insensitively
// and longest-match-first so "%bytes" is not mistaken for "%b" +
// "ytes". Unrecognized tokens pass through literally, "%" included.
func Expand(template string, c *Context) string {
	var out strings.Builder
	out.Grow(len(template))

	for i := 0; i < len(template); i++ {
		ch := template[i]
		switch ch {
		case '\\':
			if i+1 < len(template) {
				switch template[i+1] {
				case 'n':
					out.WriteByte('\n')
					i++
					continue
				case 't':
					out.WriteByte('\t')
					i++
					continue
				}
			}
			out.WriteByte(ch)
		case '%':
			rest := template[i+1:]
			if rest == "" {
				out.WriteByte('%')
				continue
			}
			if matched, fn := matchToken(rest); matched != "" {
				out.WriteString(fn(c))
				i += len(matched)
				continue
			}
			out.WriteByte('%')
		default:
			out.WriteByte(ch)
		}
	}

	return out.String()
}

// matchToken finds the longest keyword (case-insensitively) at the
// start of rest. Among keys of that length, an entry spelled exactly
// as written wins (so "%B" is the total and "%b" the per-pass count);
// otherwise the lowercase entry is used.
func matchToken(rest string) (string, tokenFunc) {
	for _, k := range sortedTokenKeys {
		if len(k) > len(rest) {
			continue
		}
		p := rest[:len(k)]
		if !strings.EqualFold(p, k) {
			continue
		}
		if fn, ok := tokens[p]; ok {
			return p, fn
		}
		if fn, ok := tokens[strings.ToLower(p)]; ok {
			return p, fn
		}
		return p, tokens[k]
	}
	return "", nil
}

// DataPrefix expands template for embedding at the start of a written
// record, NUL-terminates it, and pads the result up to a multiple of
// the data-pattern word size (4 bytes) so the prefix never breaks
// pattern alignment under random-offset I/O.
func DataPrefix(template string, c *Context) []byte {
	expanded := Expand(template, c)
	buf := make([]byte, len(expanded)+1) // +1 for NUL terminator
	copy(buf, expanded)

	if rem := len(buf) % wordSize; rem != 0 {
		pad := make([]byte, wordSize-rem)
		buf = append(buf, pad...)
	}
	return buf
}
