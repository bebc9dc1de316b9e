package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/vk/cellar/internal/engine"
)

var termIsTerminal = term.IsTerminal

var (
	colOK   = color.Success
	colInfo = color.Info
	colWarn = color.Warn
	colFail = color.Danger
)

// printer writes human-readable results. Colors are used only when the
// output is a terminal.
type printer struct {
	w       io.Writer
	colored bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, colored: isTerminal(w)}
}

func (p *printer) paint(style *color.Theme, s string) string {
	if !p.colored {
		return s
	}
	return style.Sprint(s)
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) outcome(o engine.Outcome) string {
	s := string(o)
	switch o {
	case engine.OutcomeInstalled, engine.OutcomeBuilt:
		return p.paint(colOK, s)
	case engine.OutcomeSatisfied:
		return p.paint(colInfo, s)
	case engine.OutcomeSkipped, engine.OutcomeCanceled:
		return p.paint(colWarn, s)
	case engine.OutcomeFailed:
		return p.paint(colFail, s)
	}
	return s
}

// summary prints one line per formula followed by the totals.
func (p *printer) summary(r *engine.Report) {
	for _, n := range r.Nodes {
		line := fmt.Sprintf("%-10s %s", p.outcome(n.Outcome), n.Formula)
		switch {
		case n.Record != nil && n.Outcome == engine.OutcomeInstalled:
			line += " -> " + n.Record.Path
		case n.OutputDir != "":
			line += " -> " + n.OutputDir
		}
		if n.Duration > 0 {
			line += fmt.Sprintf(" (%s)", n.Duration.Round(time.Millisecond))
		}
		p.printf("%s\n", line)
		if n.Err != nil && n.Outcome == engine.OutcomeFailed {
			p.printf("           %s\n", p.paint(colFail, n.Err.Error()))
		}
		if n.LogPath != "" && n.Outcome == engine.OutcomeFailed {
			p.printf("           log: %s\n", n.LogPath)
		}
	}
	p.printf("%d installed, %d satisfied, %d failed, %d skipped\n",
		r.Count(engine.OutcomeInstalled)+r.Count(engine.OutcomeBuilt),
		r.Count(engine.OutcomeSatisfied),
		r.Count(engine.OutcomeFailed),
		r.Count(engine.OutcomeSkipped)+r.Count(engine.OutcomeCanceled),
	)
}

// progress tracks finished formulas on a terminal. It is a no-op
// elsewhere.
type progress struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newProgress(w io.Writer, total int, description string) *progress {
	if total == 0 || !isTerminal(w) {
		return &progress{}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return &progress{bar: bar}
}

// node is an engine.Options.OnNode callback.
func (p *progress) node(engine.NodeReport) {
	if p.bar == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Add(1)
}

func (p *progress) finish() {
	if p.bar == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Finish()
}
