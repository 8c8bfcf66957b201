package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/labtrack/labtrack/internal/domain/specimen"
	"github.com/labtrack/labtrack/internal/platform/webhook"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
)

func success(w io.Writer, format string, args ...interface{}) {
	okColor.Fprint(w, "OK ")
	fmt.Fprintf(w, format+"\n", args...)
}

func warning(w io.Writer, format string, args ...interface{}) {
	warnColor.Fprint(w, "WARN ")
	fmt.Fprintf(w, format+"\n", args...)
}

func failure(w io.Writer, err error) {
	failColor.Fprint(w, "ERROR ")
	fmt.Fprintln(w, err)
}

func newTable(w io.Writer, header ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func renderPlate(w io.Writer, p *specimen.PlateView) {
	fmt.Fprintf(w, "Plate %s (%s)\n", p.Barcode, orDash(p.StorageLocation))
	t := newTable(w, "Well", "Position", "Identifier", "Specimen ID")
	for _, well := range p.Wells {
		t.AppendRow(table.Row{well.ID, orDash(well.NormalizedPosition), orDash(well.WellIdentifier), well.SpecimenID})
	}
	t.AppendFooter(table.Row{"", "", "Total", len(p.Wells)})
	t.Render()
}

func renderDeliveries(w io.Writer, attempts []*webhook.DeliveryAttempt, total int) {
	t := newTable(w, "Time", "Kind", "Batch", "Records", "HTTP", "Remote", "Succeeded", "Errored", "Status")
	for _, d := range attempts {
		t.AppendRow(table.Row{
			webhook.FormatTime(d.CreatedAt), d.Kind, d.BatchID, d.RecordCount,
			d.StatusCode, d.ResponseStatus, d.Succeeded, d.Errored, d.Status,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "Total", total})
	t.Render()
}

func renderReport(w io.Writer, r *webhook.Report, verbose bool) {
	if verbose {
		for _, o := range r.Outcomes {
			fmt.Fprintf(w, "  %s #%d %s %s\n", r.Kind, o.RecordID, o.Status, o.Message)
		}
	}
	summary := fmt.Sprintf("%s: %d due, %d batches, %d succeeded, %d errored, %d assumed, %d ignored",
		r.Kind, r.Due, r.Batches, r.Succeeded, r.Errored, r.Assumed, r.Ignored)
	if r.Errored > 0 {
		warning(w, "%s", summary)
		return
	}
	success(w, "%s", summary)
}
