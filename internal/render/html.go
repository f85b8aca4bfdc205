package render

import (
	"fmt"
	"io"

	"objcstubs/internal/stubs"
)

// maxRows caps the rename and warning tables.
const maxRows = 500

var outcomeOrder = []stubs.Outcome{
	stubs.OutcomeRenamed,
	stubs.OutcomePlanned,
	stubs.OutcomeUnresolved,
	stubs.OutcomeRejected,
	stubs.OutcomeMismatch,
}

// WriteIndexHTML writes a small HTML page summarizing rep. graphs are
// relative links shown in the Graphs section, in order.
func WriteIndexHTML(w io.Writer, title string, rep *stubs.Report, graphs []string) error {
	t := NASA
	ew := &errWriter{w: w}

	ew.printf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: "Helvetica Neue", Helvetica, Arial, sans-serif; font-size: 14px; color: %s; background: %s; margin: 2em; max-width: 900px; }
h1 { font-size: 18px; font-weight: 600; margin-bottom: 0.5em; }
h2 { font-size: 14px; font-weight: 600; margin-top: 1.5em; border-bottom: 1px solid #ddd; padding-bottom: 4px; }
table { border-collapse: collapse; margin: 0.5em 0; }
th, td { text-align: left; padding: 3px 12px 3px 0; font-size: 13px; }
th { font-weight: 600; }
td.num { text-align: right; font-variant-numeric: tabular-nums; }
td.mono { font-family: "Courier New", monospace; font-size: 12px; }
.swatch { display: inline-block; width: 10px; height: 10px; border-radius: 2px; margin-right: 4px; vertical-align: middle; }
.bar { height: 8px; border-radius: 2px; display: inline-block; vertical-align: middle; }
a { color: %s; }
</style>
</head>
<body>
`, htmlEscape(title), t.TextColor, t.Background, t.Link)

	ew.printf("<h1>%s</h1>\n", htmlEscape(title))

	ew.printf("<h2>Summary</h2>\n<table>\n")
	ew.printf("<tr><td>Region</td><td class=\"mono\">%s</td></tr>\n", htmlEscape(rep.Region))
	if !rep.RegionFound {
		ew.printf("<tr><td>Status</td><td>region not present</td></tr>\n</table>\n")
	} else {
		mode := "renamed"
		if !rep.Applied {
			mode = "dry run"
		}
		ew.printf("<tr><td>Mode</td><td>%s</td></tr>\n", mode)
		ew.printf("<tr><td>Functions</td><td class=\"num\">%d</td></tr>\n", len(rep.Candidates))
		ew.printf("</table>\n")

		ew.printf("<h2>Outcomes</h2>\n<table>\n")
		ew.printf("<tr><th></th><th>Outcome</th><th>Count</th><th></th></tr>\n")
		for _, o := range outcomeOrder {
			n := rep.Count(o)
			if n == 0 {
				continue
			}
			c := t.OutcomeColor(o)
			ew.printf("<tr><td><span class=\"swatch\" style=\"background:%s\"></span></td><td>%s</td><td class=\"num\">%d</td><td><span class=\"bar\" style=\"width:%dpx;background:%s\"></span></td></tr>\n",
				c, o, n, barWidth(n, len(rep.Candidates), 200), c)
		}
		ew.printf("</table>\n")
	}

	if len(graphs) > 0 {
		ew.printf("<h2>Graphs</h2>\n<p>")
		for i, g := range graphs {
			if i > 0 {
				ew.printf(" | ")
			}
			ew.printf("<a href=\"%s\">%s</a>", htmlEscape(g), htmlEscape(g))
		}
		ew.printf("</p>\n")
	}

	if renames := rep.Renames(); len(renames) > 0 {
		ew.printf("<h2>Trampolines</h2>\n<table>\n")
		ew.printf("<tr><th>Address</th><th>Name</th><th>Selector</th><th>Selref</th></tr>\n")
		for i, r := range renames {
			if i == maxRows {
				ew.printf("<tr><td>... and %d more</td></tr>\n", len(renames)-maxRows)
				break
			}
			ew.printf("<tr><td class=\"mono\">0x%x</td><td class=\"mono\">%s</td><td class=\"mono\">%s</td><td class=\"mono\">0x%x</td></tr>\n",
				r.Addr, htmlEscape(r.NewName), htmlEscape(r.Selector), r.SelRef)
		}
		ew.printf("</table>\n")
	}

	if warns := rep.Warnings(); len(warns) > 0 {
		ew.printf("<h2>Warnings</h2>\n<table>\n")
		ew.printf("<tr><th>Address</th><th>Function</th><th>Outcome</th><th>Reason</th></tr>\n")
		for i, c := range warns {
			if i == maxRows {
				ew.printf("<tr><td>... and %d more</td></tr>\n", len(warns)-maxRows)
				break
			}
			ew.printf("<tr><td class=\"mono\">0x%x</td><td class=\"mono\">%s</td><td><span class=\"swatch\" style=\"background:%s\"></span>%s</td><td>%s</td></tr>\n",
				c.Addr, htmlEscape(c.Name), t.OutcomeColor(c.Outcome), c.Outcome, htmlEscape(c.Reason))
		}
		ew.printf("</table>\n")
	}

	ew.printf("</body></html>\n")
	return ew.err
}

// errWriter keeps the first write error and drops later writes.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
