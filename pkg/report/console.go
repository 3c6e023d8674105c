package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/stores"
)

var (
	headerColor = color.New(color.Bold)
	okColor     = color.New(color.FgGreen)
	failColor   = color.New(color.FgRed)
	warnColor   = color.New(color.FgYellow)
	skipColor   = color.New(color.FgCyan)
)

// ConsoleReporter renders run progress for an operator terminal. In
// JSON mode it writes newline-delimited events instead, suitable for
// piping into log collectors.
type ConsoleReporter struct {
	mu    sync.Mutex
	out   io.Writer
	json  bool
	runID string
}

// ConsoleOption customizes a ConsoleReporter.
type ConsoleOption func(*ConsoleReporter)

// WithJSONOutput switches the reporter to newline-delimited JSON events.
func WithJSONOutput() ConsoleOption {
	return func(r *ConsoleReporter) { r.json = true }
}

// WithRunID sets the run ID stamped on emitted events before the final
// report carries it.
func WithRunID(runID string) ConsoleOption {
	return func(r *ConsoleReporter) { r.runID = runID }
}

// NewConsoleReporter creates a reporter writing to out.
func NewConsoleReporter(out io.Writer, opts ...ConsoleOption) *ConsoleReporter {
	r := &ConsoleReporter{out: out}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnPhaseStart implements engine.Reporter.
func (r *ConsoleReporter) OnPhaseStart(phase *engine.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.json {
		r.emit(PhaseStartedEvent(r.runID, phase))
		return
	}

	fmt.Fprintf(r.out, "%s (%s, %s)\n",
		headerColor.Sprintf("==> %s", phase.Label),
		phase.Operation, countWord(len(phase.Targets), "target"))
}

// OnPhaseResult implements engine.Reporter.
func (r *ConsoleReporter) OnPhaseResult(phase *engine.Phase, pr *engine.PhaseResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.json {
		for i := range pr.Results {
			res := &pr.Results[i]
			for j := range res.Attempts {
				r.emit(AttemptEvent(r.runID, pr.PhaseID, res.Target, &res.Attempts[j]))
			}
			r.emit(TargetResultEvent(r.runID, pr.PhaseID, res))
		}
		r.emit(PhaseFinishedEvent(r.runID, pr))
		return
	}

	if pr.Outcome == engine.ResultSkipped {
		reason := ""
		if len(pr.Results) > 0 {
			reason = pr.Results[0].Detail
		}
		if reason != "" {
			fmt.Fprintf(r.out, "    %s (%s)\n", skipColor.Sprint("skipped"), reason)
		} else {
			fmt.Fprintf(r.out, "    %s\n", skipColor.Sprint("skipped"))
		}
		return
	}

	for i := range pr.Results {
		res := &pr.Results[i]
		fmt.Fprintf(r.out, "  %s %-24s %s\n",
			outcomeMarker(res.Outcome), res.Target, targetDetail(res))
	}
	fmt.Fprintf(r.out, "    phase %s: %s (%s)\n",
		pr.Outcome, aggregateCounts(pr), formatDur(pr.Duration))
}

// OnRunFinish implements engine.Reporter.
func (r *ConsoleReporter) OnRunFinish(report *engine.RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.json {
		r.emit(RunFinishedEvent(report))
		return
	}

	outcome := stores.OutcomeFor(report)
	fmt.Fprintf(r.out, "\nRun %s (plan %s, %s) finished in %s: %s\n",
		report.RunID, report.PlanID, report.Mode,
		formatDur(report.Duration),
		runOutcomeColor(outcome).Sprint(strings.ToUpper(string(outcome))))

	for i := range report.Phases {
		pr := &report.Phases[i]
		fmt.Fprintf(r.out, "  %-16s %-10s %d/%d in %s\n",
			pr.PhaseID, pr.Outcome, pr.Succeeded, pr.Total, formatDur(pr.Duration))
	}

	r.printAttention(report)
}

// printAttention lists every target that finished failed or degraded,
// with its last classified error. Wholly skipped phases are left out.
func (r *ConsoleReporter) printAttention(report *engine.RunReport) {
	var lines []string
	for i := range report.Phases {
		pr := &report.Phases[i]
		if pr.Outcome == engine.ResultSkipped {
			continue
		}
		for j := range pr.Results {
			res := &pr.Results[j]
			if res.Outcome != engine.ResultFailed && res.Outcome != engine.ResultDegraded {
				continue
			}
			lines = append(lines, fmt.Sprintf("  %s/%s: %s",
				pr.PhaseID, res.Target, lastError(res)))
		}
	}
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(r.out, "\n%s\n", headerColor.Sprint("Targets needing attention:"))
	for _, line := range lines {
		fmt.Fprintln(r.out, line)
	}
}

// emit writes one event as a JSON line.
func (r *ConsoleReporter) emit(event engine.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintln(r.out, string(data))
}

func outcomeMarker(o engine.ResultOutcome) string {
	switch o {
	case engine.ResultSucceeded:
		return okColor.Sprint(pad("ok"))
	case engine.ResultFailed:
		return failColor.Sprint(pad("FAILED"))
	case engine.ResultDegraded:
		return warnColor.Sprint(pad("degraded"))
	case engine.ResultSkipped:
		return skipColor.Sprint(pad("skipped"))
	default:
		return pad(string(o))
	}
}

// pad fixes marker width before color codes are added, so columns line
// up whether or not output is colored.
func pad(s string) string {
	return fmt.Sprintf("%-8s", s)
}

func targetDetail(res *engine.Result) string {
	if len(res.Attempts) == 0 {
		return res.Detail
	}
	last := &res.Attempts[len(res.Attempts)-1]
	if res.Outcome == engine.ResultSucceeded {
		return fmt.Sprintf("%s via %s", formatDur(last.Duration), last.Strategy)
	}
	detail := last.Detail
	if detail == "" {
		detail = res.Detail
	}
	return fmt.Sprintf("%s; last %s: %s",
		countWord(len(res.Attempts), "attempt"), last.Outcome, detail)
}

// lastError summarizes a non-succeeded target for the final attention
// list.
func lastError(res *engine.Result) string {
	if len(res.Attempts) == 0 {
		if res.Detail != "" {
			return res.Detail
		}
		return string(res.Outcome)
	}
	last := &res.Attempts[len(res.Attempts)-1]
	detail := res.Detail
	if detail == "" {
		detail = last.Detail
	}
	return fmt.Sprintf("%s (last attempt via %s: %s)", detail, last.Strategy, last.Outcome)
}

func aggregateCounts(pr *engine.PhaseResult) string {
	parts := []string{fmt.Sprintf("%d/%d succeeded", pr.Succeeded, pr.Total)}
	if pr.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", pr.Failed))
	}
	if pr.Degraded > 0 {
		parts = append(parts, fmt.Sprintf("%d degraded", pr.Degraded))
	}
	if pr.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", pr.Skipped))
	}
	return strings.Join(parts, ", ")
}

func countWord(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func formatDur(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

func runOutcomeColor(o stores.RunOutcome) *color.Color {
	switch o {
	case stores.RunOutcomeSucceeded:
		return okColor
	case stores.RunOutcomeFailed, stores.RunOutcomeCancelled:
		return failColor
	default:
		return warnColor
	}
}
