package format

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/zjy-dev/vmcov/internal/hitmap"
)

// styles contains the renderers for annotated source output.
type styles struct {
	FilePath lipgloss.Style
	Hit      lipgloss.Style
	Missed   lipgloss.Style
	Plain    lipgloss.Style
}

func newStyles(colorEnabled bool) *styles {
	if !colorEnabled {
		plain := lipgloss.NewStyle()
		return &styles{FilePath: plain, Hit: plain, Missed: plain, Plain: plain}
	}
	return &styles{
		FilePath: lipgloss.NewStyle().Bold(true),
		Hit:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Missed:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		Plain:    lipgloss.NewStyle(),
	}
}

// ColorEnabled reports whether styled output should be used for f.
func ColorEnabled(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// WritePretty emits each resolved source file annotated with per-line hit
// counts in a 7-column gutter.
func WritePretty(w io.Writer, cov hitmap.Set, opts Options) error {
	if opts.ReportFuncs {
		for _, hm := range cov {
			if hm.FuncHits == nil {
				return ErrMissingFunctionCoverage
			}
		}
	}

	st := newStyles(opts.Color)
	for _, f := range resolveFiles(cov, opts) {
		if _, err := fmt.Fprintln(w, st.FilePath.Render(f.path)); err != nil {
			return err
		}
		var lines []string
		if opts.LoadLines != nil {
			lines = opts.LoadLines(f.path)
		}
		hits := f.hm.LineHits
		if opts.ReportFuncs {
			hits = f.hm.FuncHits
		}
		for i, text := range lines {
			line := i + 1
			count, known := hits[line]
			var rendered string
			switch {
			case !known:
				rendered = st.Plain.Render(fmt.Sprintf("       |%s", text))
			case count > 0:
				rendered = st.Hit.Render(fmt.Sprintf("%7d|%s", count, text))
			default:
				rendered = st.Missed.Render(fmt.Sprintf("%7d|%s", count, text))
			}
			if _, err := fmt.Fprintln(w, rendered); err != nil {
				return err
			}
		}
	}
	return nil
}
