package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/router"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/stream"
)

// stderrTailBytes is how much stderr is kept for the exit notice.
const stderrTailBytes = 4096

// run is the handler for one live agent process. HandleLog is only called
// from the run's pump goroutine; deadlines and aborts arrive from other
// goroutines and go through the store, which orders them.
type run struct {
	sb        *Switchboard
	id        string
	prompt    string
	startedAt time.Time

	// pump goroutine only
	decoder    *stream.Decoder
	stderrTail tailBuffer

	stdoutLog   *logWriter
	stderrLog   *logWriter
	stopFlusher context.CancelFunc

	mu        sync.Mutex
	sessionID string
	proc      Process
	idle      *time.Timer
	absolute  *time.Timer
	finished  bool
	reason    session.TerminalReason
	notice    string
	exit      *router.ExitStatus
	provider  string
	model     string
	usage     stream.Usage

	once sync.Once
	done chan struct{}
}

func newRun(sb *Switchboard, id, sessionID, prompt string) *run {
	r := &run{
		sb:         sb,
		id:         id,
		prompt:     prompt,
		startedAt:  time.Now(),
		sessionID:  sessionID,
		decoder:    stream.NewDecoder(),
		stderrTail: tailBuffer{max: stderrTailBytes},
		done:       make(chan struct{}),
	}
	if sb.db != nil {
		write := func(runID, streamName, content string) error {
			return db.AppendRunLog(sb.db, runID, streamName, content)
		}
		r.stdoutLog = newLogWriter(id, string(router.Stdout), write)
		r.stderrLog = newLogWriter(id, string(router.Stderr), write)
		ctx, cancel := context.WithCancel(context.Background())
		r.stopFlusher = cancel
		startFlusher(ctx, sb.flush, r.stdoutLog, r.stderrLog)
	}
	return r
}

// start attaches the process and arms the deadlines.
func (r *run) start(proc Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proc = proc
	if r.finished {
		// Aborted before the process was attached.
		proc.Close()
		return
	}
	if d := r.sb.idle; d > 0 {
		r.idle = time.AfterFunc(d, func() {
			r.expire(session.ReasonTimeout, fmt.Sprintf("Run timed out: no output for %s.", d))
		})
	}
	if d := r.sb.absolute; d > 0 {
		r.absolute = time.AfterFunc(d, func() {
			r.expire(session.ReasonTimeout, fmt.Sprintf("Run timed out after %s.", d))
		})
	}
}

// HandleLog consumes one routed event.
func (r *run) HandleLog(_ context.Context, ev router.LogEvent) {
	if ev.Exit != nil {
		r.onExit(*ev.Exit)
		return
	}
	r.touch()

	switch ev.Stream {
	case router.Stderr:
		r.stderrTail.Write(ev.Data)
		if r.stderrLog != nil {
			r.stderrLog.Write(ev.Data)
		}
	default:
		if r.stdoutLog != nil {
			r.stdoutLog.Write(ev.Data)
		}
		r.apply(r.decoder.Decode(ev.Data))
	}
}

// apply parses decoded lines and feeds the events to the store.
func (r *run) apply(lines []stream.LogLine) {
	var evts []stream.Event
	for _, line := range lines {
		if line.Malformed {
			log.Printf("switchboard: run %s: malformed JSON line shown as text", r.id)
		}
		evts = append(evts, stream.Parse(line)...)
	}
	if len(evts) == 0 {
		return
	}

	eff, err := r.sb.store.Apply(r.id, evts...)
	if err != nil {
		log.Printf("switchboard: run %s: apply: %v", r.id, err)
		return
	}
	if eff.Ignored > 0 {
		log.Printf("switchboard: run %s: %d events ignored", r.id, eff.Ignored)
	}
	r.record(eff)
	if eff.Terminal {
		r.finish(eff.Reason, false)
	}
}

// onExit handles process exit. A process that exits without a terminal
// event ends the run here.
func (r *run) onExit(exit router.ExitStatus) {
	r.apply(r.decoder.Flush())

	r.mu.Lock()
	r.exit = &exit
	finished := r.finished
	r.mu.Unlock()
	if finished {
		return
	}

	if exit.Code == 0 && exit.Err == nil {
		eff, _ := r.sb.store.Terminate(r.id, session.Termination{Reason: session.ReasonResult})
		r.record(eff)
		r.finish(session.ReasonResult, false)
		return
	}

	text := fmt.Sprintf("Agent exited with code %d.", exit.Code)
	if exit.Err != nil {
		text = fmt.Sprintf("Agent failed: %v.", exit.Err)
	}
	var raw json.RawMessage
	if tail := r.stderrTail.String(); tail != "" {
		raw, _ = json.Marshal(map[string]string{"stderr": tail})
	}
	r.setNotice(text)
	eff, _ := r.sb.store.Terminate(r.id, session.Termination{
		Reason: session.ReasonProcessError,
		Text:   text,
		Raw:    raw,
	})
	r.record(eff)
	r.finish(session.ReasonProcessError, false)
}

// expire forces the run to end: a deadline passed or the run was aborted.
func (r *run) expire(reason session.TerminalReason, text string) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	proc := r.proc
	r.mu.Unlock()

	if proc != nil {
		if err := proc.Signal(os.Interrupt); err != nil {
			log.Printf("switchboard: run %s: interrupt: %v", r.id, err)
		}
	}
	eff, err := r.sb.store.Terminate(r.id, session.Termination{Reason: reason, Text: text})
	if err == nil && !eff.Terminal {
		// The stream already ended the run; its own finish follows.
		return
	}
	if err != nil {
		log.Printf("switchboard: run %s: terminate: %v", r.id, err)
	}
	r.setNotice(text)
	r.record(eff)
	r.finish(reason, true)
}

// fail ends a run whose process never started.
func (r *run) fail(text string) {
	r.setNotice(text)
	eff, _ := r.sb.store.Terminate(r.id, session.Termination{Reason: session.ReasonProcessError, Text: text})
	r.record(eff)
	r.finish(session.ReasonProcessError, false)
	r.closeLogs()
}

// finish releases everything the run holds. Only the first call has any
// effect.
func (r *run) finish(reason session.TerminalReason, kill bool) {
	r.once.Do(func() {
		r.mu.Lock()
		r.finished = true
		r.reason = reason
		if r.idle != nil {
			r.idle.Stop()
		}
		if r.absolute != nil {
			r.absolute.Stop()
		}
		proc := r.proc
		r.mu.Unlock()

		r.sb.router.Unregister(r.id)
		r.sb.forget(r.id)
		r.sb.sem.Release(1)
		if kill && proc != nil {
			proc.Close()
		}
		r.persist()

		fmt.Fprintf(r.sb.out, "switchboard: run %s finished (%s) [session=%s elapsed=%s]\n",
			r.id, reason, r.currentSession(), time.Since(r.startedAt).Round(time.Millisecond))
		close(r.done)
	})
}

// persist writes the run outcome.
func (r *run) persist() {
	if r.sb.db == nil {
		return
	}
	r.mu.Lock()
	out := db.RunOutcome{
		Status:            runStatus(r.reason),
		ProviderSessionID: r.provider,
		InputTokens:       r.usage.InputTokens,
		OutputTokens:      r.usage.OutputTokens,
		Model:             r.model,
		Error:             r.notice,
	}
	if r.reason == session.ReasonResult {
		out.Error = ""
	}
	if r.exit != nil {
		code := r.exit.Code
		out.ExitCode = &code
	}
	sessionID := r.sessionID
	r.mu.Unlock()

	if err := db.FinishRun(r.sb.db, r.id, out); err != nil {
		log.Printf("switchboard: run %s: %v", r.id, err)
	}
	if err := db.RetargetRun(r.sb.db, r.id, sessionID); err != nil {
		log.Printf("switchboard: run %s: %v", r.id, err)
	}
}

// recordExit stores an exit status that arrived after the run finished.
func (r *run) recordExit(exit router.ExitStatus) {
	r.mu.Lock()
	r.exit = &exit
	r.mu.Unlock()
	if r.sb.db == nil {
		return
	}
	code := exit.Code
	err := r.sb.db.Model(&models.Run{}).Where("id = ?", r.id).Update("exit_code", &code).Error
	if err != nil {
		log.Printf("switchboard: run %s: record exit: %v", r.id, err)
	}
}

// logSuppressed reports plain-text lines the decoder dropped. Pump
// goroutine only.
func (r *run) logSuppressed() {
	if n := r.decoder.Suppressed(); n > 0 {
		log.Printf("switchboard: run %s: %d plain-text lines suppressed after JSON output", r.id, n)
	}
}

// closeLogs flushes captured output and stops the flusher.
func (r *run) closeLogs() {
	if r.stopFlusher != nil {
		r.stopFlusher()
	}
	for _, w := range []*logWriter{r.stdoutLog, r.stderrLog} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			log.Printf("switchboard: run %s: flush %s log: %v", r.id, w.stream, err)
		}
	}
}

// touch re-arms the idle deadline.
func (r *run) touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idle != nil && !r.finished {
		r.idle.Reset(r.sb.idle)
	}
}

func (r *run) record(eff session.Effects) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if eff.SessionID != "" {
		r.sessionID = eff.SessionID
	}
	if eff.ProviderSessionID != "" {
		r.provider = eff.ProviderSessionID
	}
	if eff.Model != "" {
		r.model = eff.Model
	}
	r.usage.InputTokens += eff.Usage.InputTokens
	r.usage.OutputTokens += eff.Usage.OutputTokens
}

func (r *run) setNotice(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notice == "" {
		r.notice = text
	}
}

func (r *run) currentSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *run) info() RunInfo {
	return RunInfo{RunID: r.id, SessionID: r.currentSession(), StartedAt: r.startedAt}
}

// runStatus maps a terminal reason to a run record status.
func runStatus(reason session.TerminalReason) string {
	switch reason {
	case session.ReasonResult:
		return models.RunResult
	case session.ReasonTimeout:
		return models.RunTimeout
	case session.ReasonAborted:
		return models.RunAborted
	default:
		return models.RunProcessError
	}
}
