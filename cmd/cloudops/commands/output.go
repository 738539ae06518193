package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// printer writes command results as aligned tables or JSON.
type printer struct {
	out  io.Writer
	json bool
}

func (c *cli) printer() *printer {
	return &printer{out: c.out, json: c.globals().JSON}
}

// JSON writes v as indented JSON. It reports whether JSON output is on, so
// callers can return early.
func (p *printer) JSON(v any) (bool, error) {
	if !p.json {
		return false, nil
	}
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

// Table starts a table with the given header.
func (p *printer) Table(header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	bold := color.New(color.Bold)
	for i, h := range header {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, bold.Sprint(h))
	}
	fmt.Fprintln(tw)
	return tw
}

// Row writes one table row.
func Row(tw io.Writer, cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(tw, strings.Join(parts, "\t"))
}

// Linef writes a free-form line.
func (p *printer) Linef(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func severityColor(s engine.Severity) string {
	switch s {
	case engine.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(s)
	case engine.SeverityWarning:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func passStatusColor(s engine.PassStatus) string {
	switch s {
	case engine.PassStatusSucceeded:
		return color.GreenString(string(s))
	case engine.PassStatusRunning:
		return color.CyanString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func remediationStatusColor(s engine.RemediationStatus) string {
	switch s {
	case engine.RemediationSucceeded:
		return color.GreenString(string(s))
	case engine.RemediationFailed:
		return color.RedString(string(s))
	case engine.RemediationSkipped:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func yamlString(v any) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
