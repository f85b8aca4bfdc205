// Package render produces an HTML summary of a trampoline pass.
package render

import "strings"

var htmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\"", "&quot;",
)

func htmlEscape(s string) string { return htmlReplacer.Replace(s) }

// barWidth scales count against total into at most limit pixels, never below 2.
func barWidth(count, total, limit int) int {
	if total == 0 {
		return 0
	}
	w := count * limit / total
	if w < 2 {
		w = 2
	}
	return w
}
