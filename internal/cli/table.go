package cli

import (
	"strings"
	"unicode/utf8"
)

// minFlexWidth is the narrowest a fitted column is allowed to become.
const minFlexWidth = 12

// Table formats rows under headers with dynamic column widths.
type Table struct {
	headers   []string
	rows      [][]string
	padding   int
	maxWidths map[int]int // 0 = no limit
}

// NewTable creates a new table with the given headers.
func NewTable(headers ...string) *Table {
	return &Table{
		headers:   headers,
		padding:   2,
		maxWidths: make(map[int]int),
	}
}

// SetColumnMaxWidth wraps the text of column col at maxWidth.
func (t *Table) SetColumnMaxWidth(col, maxWidth int) {
	t.maxWidths[col] = maxWidth
}

// AddRow adds a row, padding or truncating it to the header count.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// FitWidth limits column col so that the rendered table is at most width
// wide. A width of zero or less, or one too narrow to leave the column
// minFlexWidth, leaves the table unchanged.
func (t *Table) FitWidth(col, width int) {
	if width <= 0 || col < 0 || col >= len(t.headers) {
		return
	}
	natural := t.naturalWidths()
	used := t.padding * (len(natural) - 1)
	for i, w := range natural {
		if i != col {
			used += w
		}
	}
	avail := width - used
	if avail >= natural[col] || avail < minFlexWidth {
		return
	}
	t.maxWidths[col] = avail
}

func (t *Table) naturalWidths() []int {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = textWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if w := textWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	return widths
}

// Render formats the table.
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	wrapped := make([][][]string, len(t.rows))
	for r, row := range t.rows {
		wrapped[r] = make([][]string, len(row))
		for c, cell := range row {
			if limit := t.maxWidths[c]; limit > 0 {
				wrapped[r][c] = wrapText(cell, limit)
			} else {
				wrapped[r][c] = []string{cell}
			}
		}
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = textWidth(h)
	}
	for _, row := range wrapped {
		for c, lines := range row {
			for _, line := range lines {
				if w := textWidth(line); w > widths[c] {
					widths[c] = w
				}
			}
		}
	}

	gap := strings.Repeat(" ", t.padding)
	var b strings.Builder
	writeLine := func(parts []string) {
		b.WriteString(strings.TrimRight(strings.Join(parts, gap), " "))
		b.WriteByte('\n')
	}

	parts := make([]string, len(t.headers))
	for i, h := range t.headers {
		parts[i] = padRight(h, widths[i])
	}
	writeLine(parts)
	for i, w := range widths {
		parts[i] = strings.Repeat("-", w)
	}
	writeLine(parts)

	for _, row := range wrapped {
		height := 1
		for _, lines := range row {
			height = max(height, len(lines))
		}
		for l := range height {
			for c := range t.headers {
				cell := ""
				if l < len(row[c]) {
					cell = row[c][l]
				}
				parts[c] = padRight(cell, widths[c])
			}
			writeLine(parts)
		}
	}
	return b.String()
}

func textWidth(s string) int {
	return utf8.RuneCountInString(s)
}

// padRight pads s with spaces to width runes.
func padRight(s string, width int) string {
	if n := textWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

// wrapText wraps text at word boundaries to lines of at most width runes,
// splitting words longer than width.
func wrapText(text string, width int) []string {
	if width <= 0 || textWidth(text) <= width {
		return []string{text}
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{text}
	}

	var lines []string
	current := ""
	for _, word := range words {
		for textWidth(word) > width {
			if current != "" {
				lines = append(lines, current)
				current = ""
			}
			r := []rune(word)
			lines = append(lines, string(r[:width]))
			word = string(r[width:])
		}
		switch {
		case current == "":
			current = word
		case textWidth(current)+1+textWidth(word) <= width:
			current += " " + word
		default:
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}
