package cli

import (
	"strings"
	"testing"
)

func TestNewTable(t *testing.T) {
	table := NewTable("Name", "Version", "Author")
	if len(table.headers) != 3 {
		t.Errorf("Expected 3 headers, got %d", len(table.headers))
	}
	if table.padding != 2 {
		t.Errorf("Expected padding of 2, got %d", table.padding)
	}
	if table.Len() != 0 {
		t.Errorf("Expected no rows, got %d", table.Len())
	}
}

func TestTableAddRow(t *testing.T) {
	table := NewTable("Name", "Version")

	table.AddRow("Glow", "1.0.0")
	table.AddRow("Blur")
	table.AddRow("Tint", "2.0.0", "extra")

	if table.Len() != 3 {
		t.Fatalf("Expected 3 rows, got %d", table.Len())
	}
	if len(table.rows[1]) != 2 || table.rows[1][1] != "" {
		t.Errorf("Expected short row padded with an empty cell, got %q", table.rows[1])
	}
	if len(table.rows[2]) != 2 {
		t.Errorf("Expected long row truncated to 2 cells, got %d", len(table.rows[2]))
	}
}

func TestTableRender(t *testing.T) {
	table := NewTable("Folder", "Name", "State")
	table.AddRow("Glow", "Glow Effect", "enabled")
	table.AddRow("Blur", "Blur", "disabled")

	lines := strings.Split(table.Render(), "\n")
	if len(lines) != 5 { // header, separator, 2 rows, trailing newline
		t.Fatalf("Expected 5 lines, got %d: %q", len(lines), lines)
	}
	if lines[0] != "Folder  Name         State" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "------  -----------  --------" {
		t.Errorf("separator = %q", lines[1])
	}
	if lines[3] != "Blur    Blur         disabled" {
		t.Errorf("row = %q", lines[3])
	}
}

func TestTableRenderEmpty(t *testing.T) {
	if out := NewTable().Render(); out != "" {
		t.Errorf("Expected empty string for empty table, got: %q", out)
	}

	out := NewTable("Column1", "Column2").Render()
	if !strings.HasPrefix(out, "Column1  Column2\n-------  -------\n") {
		t.Errorf("Expected headers and separator without rows, got %q", out)
	}
}

func TestTableMultibyteAlignment(t *testing.T) {
	table := NewTable("Name", "Author")
	table.AddRow("ゆっくり", "a")
	table.AddRow("Glow", "b")

	lines := strings.Split(table.Render(), "\n")
	if lines[2] != "ゆっくり  a" || lines[3] != "Glow  b" {
		t.Errorf("rows misaligned: %q", lines[2:4])
	}
}

func TestTableColumnMaxWidth(t *testing.T) {
	table := NewTable("Name", "Path")
	table.SetColumnMaxWidth(1, 10)
	table.AddRow("Glow", "alpha beta gamma")

	lines := strings.Split(strings.TrimRight(table.Render(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected wrapped row over 2 lines, got %q", lines)
	}
	if lines[2] != "Glow  alpha beta" || lines[3] != "      gamma" {
		t.Errorf("wrapped lines = %q", lines[2:])
	}
}

func TestTableFitWidth(t *testing.T) {
	table := NewTable("Name", "Path")
	table.AddRow("Glow", strings.Repeat("p", 60))

	table.FitWidth(1, 40)
	if got := table.maxWidths[1]; got != 34 {
		t.Errorf("fitted width = %d, want 34", got)
	}
	for _, line := range strings.Split(strings.TrimRight(table.Render(), "\n"), "\n") {
		if textWidth(line) > 40 {
			t.Errorf("line exceeds 40 columns: %q", line)
		}
	}

	narrow := NewTable("Name", "Path")
	narrow.AddRow(strings.Repeat("n", 30), strings.Repeat("p", 60))
	narrow.FitWidth(1, 40)
	if _, ok := narrow.maxWidths[1]; ok {
		t.Error("a column that would drop below the minimum is left alone")
	}

	narrow.FitWidth(1, 0)
	narrow.FitWidth(5, 40)
	if len(narrow.maxWidths) != 0 {
		t.Error("invalid fits should be ignored")
	}
}

func TestPadRight(t *testing.T) {
	tests := []struct {
		input    string
		width    int
		expected string
	}{
		{"test", 10, "test      "},
		{"hello", 5, "hello"},
		{"world", 3, "world"},
		{"", 5, "     "},
		{"é", 3, "é  "},
	}

	for _, tt := range tests {
		if result := padRight(tt.input, tt.width); result != tt.expected {
			t.Errorf("padRight(%q, %d) = %q, want %q", tt.input, tt.width, result, tt.expected)
		}
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		text  string
		width int
		want  []string
	}{
		{"short", 10, []string{"short"}},
		{"one two three", 7, []string{"one two", "three"}},
		{"abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"ab abcdefgh", 4, []string{"ab", "abcd", "efgh"}},
		{"anything", 0, []string{"anything"}},
	}
	for _, tt := range tests {
		got := wrapText(tt.text, tt.width)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("wrapText(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
		}
	}
}
