// Package report renders pipeline status for a terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/allocator/internal/pipeline"
	"github.com/tathienbao/allocator/internal/reconcile"
	"github.com/tathienbao/allocator/internal/risk"
	"golang.org/x/term"
)

// ANSI escape codes
const (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
	ColorBold   = "\033[1m"
)

const (
	defaultWidth = 80
	minWidth     = 60
)

// Renderer writes status reports. Color is enabled only for terminals.
type Renderer struct {
	w     io.Writer
	color bool
	width int
}

// New creates a renderer for w, detecting color and width when w is a
// terminal.
func New(w io.Writer) *Renderer {
	r := &Renderer{w: w, width: defaultWidth}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.color = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width >= minWidth {
			r.width = width
		}
	}
	return r
}

// NewPlain creates a renderer without color at a fixed width.
func NewPlain(w io.Writer, width int) *Renderer {
	if width < minWidth {
		width = minWidth
	}
	return &Renderer{w: w, width: width}
}

func (r *Renderer) paint(color, s string) string {
	if !r.color {
		return s
	}
	return color + s + ColorReset
}

func (r *Renderer) rule() string {
	return r.paint(ColorDim, strings.Repeat("─", r.width))
}

// Render writes the full status report.
func (r *Renderer) Render(st pipeline.Status) error {
	var lines []string
	lines = append(lines, r.header(st)...)
	lines = append(lines, "", r.paint(ColorBold, "ENGINES"), r.rule())
	lines = append(lines, r.engines(st.Engines)...)
	lines = append(lines, "", r.paint(ColorBold, "POSITIONS"), r.rule())
	lines = append(lines, r.positions(st.Positions)...)
	lines = append(lines, "", r.paint(ColorBold, "BREAKERS"), r.rule())
	lines = append(lines, r.breakers(st.Breakers)...)

	_, err := fmt.Fprintln(r.w, strings.Join(lines, "\n"))
	return err
}

func (r *Renderer) header(st pipeline.Status) []string {
	state := r.paint(ColorGreen, "running")
	if st.Halted {
		state = r.paint(ColorRed, "HALTED: "+st.HaltReason)
	}
	lines := []string{
		r.paint(ColorCyan+ColorBold, "Account "+st.Account) + "  " + state,
		r.rule(),
		fmt.Sprintf("Equity:     $%s", st.Equity.StringFixed(2)),
	}
	if !st.AsOf.IsZero() {
		lines = append(lines, fmt.Sprintf("As of:      %s", st.AsOf.UTC().Format("2006-01-02 15:04:05 UTC")))
	}
	if !st.LastCycle.IsZero() {
		lines = append(lines, fmt.Sprintf("Last cycle: %s", st.LastCycle.UTC().Format("2006-01-02 15:04:05 UTC")))
	}
	if st.LastError != "" {
		lines = append(lines, r.paint(ColorYellow, "Last error: "+st.LastError))
	}

	assets := make([]string, 0, len(st.Cash))
	for asset := range st.Cash {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		lines = append(lines, fmt.Sprintf("Cash %-6s %s", asset+":", st.Cash[asset].StringFixed(2)))
	}

	if len(st.Classes) > 0 {
		classes := make([]string, 0, len(st.Classes))
		for class, n := range st.Classes {
			classes = append(classes, fmt.Sprintf("%s=%d", class, n))
		}
		sort.Strings(classes)
		lines = append(lines, "Reconcile:  "+strings.Join(classes, " "))
	}
	return lines
}

func (r *Renderer) engines(engines []pipeline.EngineStatus) []string {
	if len(engines) == 0 {
		return []string{r.paint(ColorDim, "no engines")}
	}
	lines := []string{fmt.Sprintf("%-14s %-12s %-10s %-12s %14s %14s %5s",
		"ENGINE", "SUBACCOUNT", "CYCLE", "PHASE", "CAPITAL", "BUDGET", "POS")}
	for _, e := range engines {
		phase := e.Phase
		if phase == "" {
			phase = "-"
		}
		lines = append(lines, fmt.Sprintf("%-14s %-12s %-10s %-12s %14s %14s %5d",
			e.Engine, e.SubAccount, e.Cycle, phase,
			e.AllocatedCapital.StringFixed(2), e.Budget.StringFixed(2), e.Positions))
	}
	return lines
}

func (r *Renderer) positions(entries []reconcile.Entry) []string {
	if len(entries) == 0 {
		return []string{r.paint(ColorDim, "no positions")}
	}
	lines := []string{fmt.Sprintf("%-12s %-10s %-14s %16s %12s %14s %-13s",
		"SUBACCOUNT", "SYMBOL", "ENGINE", "QTY", "PRICE", "VALUE", "CLASS")}
	for _, e := range entries {
		line := fmt.Sprintf("%-12s %-10s %-14s %16s %12s %14s %-13s",
			e.SubAccount, e.Symbol, e.Engine,
			e.ReconciledQty.String(), e.Price.StringFixed(2), e.Value.StringFixed(2), e.Class)
		lines = append(lines, r.paint(classColor(e.Class), line))
	}
	return lines
}

// classColor highlights entries that needed a reconciliation decision.
func classColor(c reconcile.Class) string {
	switch c {
	case reconcile.ClassMismatch, reconcile.ClassLedgerOnly:
		return ColorYellow
	case reconcile.ClassDust:
		return ColorDim
	default:
		return ""
	}
}

func (r *Renderer) breakers(st risk.Status) []string {
	lines := []string{r.breakerLine(st.Portfolio)}
	for _, b := range st.Engines {
		lines = append(lines, r.breakerLine(b))
	}
	return lines
}

func (r *Renderer) breakerLine(b risk.BreakerStatus) string {
	scope := b.Scope
	if scope == "" {
		scope = "portfolio"
	}
	hundred := decimal.NewFromInt(100)
	state := r.paint(ColorGreen, "armed")
	if b.Tripped {
		state = r.paint(ColorRed, "TRIPPED")
		if b.Reason != "" {
			state += " (" + b.Reason + ")"
		}
	}
	return fmt.Sprintf("%-14s drawdown %6s%% / %6s%%  peak %14s  %s",
		scope,
		b.Drawdown.Mul(hundred).StringFixed(2),
		b.Threshold.Mul(hundred).StringFixed(2),
		b.Peak.StringFixed(2),
		state)
}
