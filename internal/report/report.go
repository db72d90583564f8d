// Package report renders the companies a dry run would have synced.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/linnemanlabs/leadsync/internal/company"
	"github.com/linnemanlabs/leadsync/internal/ledger"
)

// minWidth keeps the separator at least "---".
const minWidth = 3

// cellEscaper keeps a cell on one line and inside its column.
var cellEscaper = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ", "\r", " ")

// WriteTable writes companies as a pipe table in ledger column order,
// padded by display width so CJK and emoji names stay aligned. Pipes in
// cells are escaped and line breaks become spaces.
func WriteTable(w io.Writer, companies []company.Company) error {
	rows := make([][]string, 0, len(companies)+1)
	rows = append(rows, ledger.Header)
	for _, c := range companies {
		row := ledger.Row(c)
		for i, cell := range row {
			row[i] = cellEscaper.Replace(cell)
		}
		rows = append(rows, row)
	}

	widths := make([]int, len(ledger.Header))
	for _, row := range rows {
		for i, cell := range row {
			if n := runewidth.StringWidth(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	for i := range widths {
		if widths[i] < minWidth {
			widths[i] = minWidth
		}
	}

	var sb strings.Builder
	writeRow(&sb, rows[0], widths)
	sb.WriteString("|")
	for _, width := range widths {
		sb.WriteString(" ")
		sb.WriteString(strings.Repeat("-", width))
		sb.WriteString(" |")
	}
	sb.WriteString("\n")
	for _, row := range rows[1:] {
		writeRow(&sb, row, widths)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// WriteSummary writes the one-line dry-run footer.
func WriteSummary(w io.Writer, fetched, fresh int) error {
	_, err := fmt.Fprintf(w, "\n%d fetched, %d new (dry run: nothing written)\n", fetched, fresh)
	return err
}

func writeRow(sb *strings.Builder, row []string, widths []int) {
	sb.WriteString("|")
	for i, cell := range row {
		sb.WriteString(" ")
		sb.WriteString(cell)
		if pad := widths[i] - runewidth.StringWidth(cell); pad > 0 {
			sb.WriteString(strings.Repeat(" ", pad))
		}
		sb.WriteString(" |")
	}
	sb.WriteString("\n")
}
