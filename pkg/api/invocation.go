package api

import (
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

// InvocationType selects how the caller waits for the result.
type InvocationType string

const (
	InvokeRequestResponse InvocationType = "RequestResponse"
	InvokeEvent           InvocationType = "Event"
	InvokeDryRun          InvocationType = "DryRun"
)

// LogType selects whether the captured log tail is returned with the result.
type LogType string

const (
	LogTypeNone LogType = "None"
	LogTypeTail LogType = "Tail"
)

// MaxLogTailBytes bounds the log tail returned to callers. The tail keeps
// the most recent bytes, never the earliest.
const MaxLogTailBytes = 4096

// Settings carries the per-function defaults an invocation is created with.
type Settings struct {
	FunctionName    string
	Version         string
	MemorySize      int // MB
	Timeout         time.Duration
	Region          string
	AccountID       string
	TraceID         string
	ClientContext   string
	CognitoIdentity string

	// Diagnostics receives the platform-format START/END/REPORT lines.
	// Defaults to os.Stderr.
	Diagnostics io.Writer
}

// Invocation is the record of one invocation attempt. It is created when a
// trigger is accepted, mutated by the control-plane surface and the worker
// supervisor, and discarded once the dispatcher has delivered its result.
// The emulator keeps no invocation history.
//
// Identity and timing fields are fixed at creation: the request ID never
// changes and the deadline is never recomputed or extended.
type Invocation struct {
	RequestID       string
	InvokedARN      string
	TraceID         string
	ClientContext   string
	CognitoIdentity string
	Payload         []byte
	Type            InvocationType
	LogType         LogType

	FunctionName string
	Version      string
	MemorySize   int
	Start        time.Time
	Timeout      time.Duration

	diag io.Writer

	mu           sync.Mutex
	completed    bool
	started      bool
	reply        []byte
	funcErr      *FunctionError
	logTail      []byte
	maxMemory    uint64
	invokeWaitMS int64
	initEndMS    int64
	done         chan struct{}
}

// NewInvocation creates the record for one invocation attempt, assigning its
// request ID, trace ID (generated when the settings carry none), and
// deadline.
func NewInvocation(payload []byte, typ InvocationType, logType LogType, s Settings) *Invocation {
	traceID := s.TraceID
	if traceID == "" {
		traceID = NewTraceID()
	}
	diag := s.Diagnostics
	if diag == nil {
		diag = os.Stderr
	}
	if typ == "" {
		typ = InvokeRequestResponse
	}
	if logType == "" {
		logType = LogTypeNone
	}
	return &Invocation{
		RequestID:       NewRequestID(),
		InvokedARN:      FunctionARN(s.Region, s.AccountID, s.FunctionName),
		TraceID:         traceID,
		ClientContext:   s.ClientContext,
		CognitoIdentity: s.CognitoIdentity,
		Payload:         payload,
		Type:            typ,
		LogType:         logType,
		FunctionName:    s.FunctionName,
		Version:         s.Version,
		MemorySize:      s.MemorySize,
		Start:           time.Now(),
		Timeout:         s.Timeout,
		diag:            diag,
		done:            make(chan struct{}),
	}
}

// Deadline returns the absolute instant by which the invocation must
// complete.
func (inv *Invocation) Deadline() time.Time {
	return inv.Start.Add(inv.Timeout)
}

// HasExpired reports whether now is at or past the deadline.
func (inv *Invocation) HasExpired(now time.Time) bool {
	return !now.Before(inv.Deadline())
}

// Elapsed returns the time spent since the invocation started.
func (inv *Invocation) Elapsed(now time.Time) time.Duration {
	return now.Sub(inv.Start)
}

// Done returns the channel closed exactly once when the invocation
// completes. The dispatcher's blocking wait parks on it.
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

// Completed reports whether Complete has already run.
func (inv *Invocation) Completed() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.completed
}

// Complete finishes the invocation. The first call wins and later calls are
// no-ops. When err is nil but the deadline has already passed, the
// deterministic timeout error is recorded instead of a success. On the first
// call the END and REPORT lines are written to the diagnostic stream and the
// completion rendezvous is signaled.
func (inv *Invocation) Complete(err *FunctionError) {
	now := time.Now()

	inv.mu.Lock()
	if inv.completed {
		inv.mu.Unlock()
		return
	}
	inv.completed = true
	if err == nil && inv.HasExpired(now) {
		err = NewTimeoutError(now, inv.RequestID, inv.Timeout)
	}
	inv.funcErr = err
	report := inv.reportLine(now)
	inv.mu.Unlock()

	fmt.Fprintf(inv.diag, "END RequestId: %s\n", inv.RequestID)
	fmt.Fprintln(inv.diag, report)
	close(inv.done)
}

// LogStart emits the START line once, when the worker picks the invocation
// up.
func (inv *Invocation) LogStart() {
	inv.mu.Lock()
	if inv.started {
		inv.mu.Unlock()
		return
	}
	inv.started = true
	inv.mu.Unlock()

	fmt.Fprintf(inv.diag, "START RequestId: %s Version: %s\n", inv.RequestID, inv.Version)
}

// SetReply records the worker's raw success payload. A no-op once the
// invocation has completed.
func (inv *Invocation) SetReply(b []byte) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if !inv.completed {
		inv.reply = b
	}
}

// Reply returns the recorded success payload; nil when the invocation
// failed or returned nothing.
func (inv *Invocation) Reply() []byte {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.reply
}

// Err returns the failure recorded at completion; nil on success.
func (inv *Invocation) Err() *FunctionError {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.funcErr
}

// RecordLogTail stores the captured diagnostic output, trimmed to the most
// recent MaxLogTailBytes bytes.
func (inv *Invocation) RecordLogTail(raw []byte) {
	if len(raw) > MaxLogTailBytes {
		raw = raw[len(raw)-MaxLogTailBytes:]
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.logTail = raw
}

// LogTail returns the captured tail; nil when none was recorded.
func (inv *Invocation) LogTail() []byte {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.logTail
}

// LogTailBase64 returns the tail encoded for transport in a header, or the
// empty string when nothing was captured.
func (inv *Invocation) LogTailBase64() string {
	tail := inv.LogTail()
	if len(tail) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(tail)
}

// RecordInitWindow stores the worker-reported initialization timestamps
// (epoch milliseconds) that derive the report's init duration.
func (inv *Invocation) RecordInitWindow(invokeWaitMS, initEndMS int64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.invokeWaitMS = invokeWaitMS
	inv.initEndMS = initEndMS
}

// ObserveMemory raises the invocation's memory high-watermark sample.
func (inv *Invocation) ObserveMemory(rssBytes uint64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if rssBytes > inv.maxMemory {
		inv.maxMemory = rssBytes
	}
}

// MaxMemoryUsedMB returns the high-watermark sample in whole megabytes.
func (inv *Invocation) MaxMemoryUsedMB() int64 {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return int64(inv.maxMemory / (1 << 20))
}

// reportLine renders the REPORT line. The duration is capped at the
// configured timeout and the billed duration is its millisecond ceiling.
// Callers must hold inv.mu.
func (inv *Invocation) reportLine(now time.Time) string {
	duration := inv.Elapsed(now)
	if duration > inv.Timeout {
		duration = inv.Timeout
	}
	durationMS := float64(duration.Nanoseconds()) / 1e6

	billedMS := int64(math.Ceil(durationMS))
	if maxBilled := inv.Timeout.Milliseconds(); billedMS > maxBilled {
		billedMS = maxBilled
	}

	initDuration := ""
	if inv.invokeWaitMS > 0 && inv.initEndMS > inv.invokeWaitMS {
		initDuration = fmt.Sprintf("Init Duration: %.2f ms\t", float64(inv.initEndMS-inv.invokeWaitMS))
	}

	return fmt.Sprintf(
		"REPORT RequestId: %s\t%sDuration: %.2f ms\tBilled Duration: %d ms\tMemory Size: %d MB\tMax Memory Used: %d MB\t",
		inv.RequestID, initDuration, durationMS, billedMS, inv.MemorySize, int64(inv.maxMemory/(1<<20)))
}
