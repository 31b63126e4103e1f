package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Printer renders clusters to a writer, reading and caching source files
// lazily by path (spec.md §4.9).
type Printer struct {
	cache map[string][]string
}

// NewPrinter builds a Printer with an empty source cache.
func NewPrinter() *Printer {
	return &Printer{cache: make(map[string][]string)}
}

// Print writes every cluster's IR listing and, grouped by source file, its
// annotated source context. Unknown source files are omitted from the
// source view but their IR lines are still printed.
func (p *Printer) Print(w io.Writer, clusters []Cluster) error {
	for _, cl := range clusters {
		if err := p.printCluster(w, cl); err != nil {
			return err
		}
	}
	return nil
}

func (p *Printer) printCluster(w io.Writer, cl Cluster) error {
	if _, err := fmt.Fprintf(w, "=== bug cluster %d ===\n", cl.ID); err != nil {
		return err
	}
	for _, line := range cl.IR {
		if _, err := fmt.Fprintf(w, "  inst %d [%d unneeded]: %s\n", line.InstID, line.UnneededCount, line.IR); err != nil {
			return err
		}
	}

	for _, sg := range cl.Sources {
		lines, err := p.linesOf(sg.Filename)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "--- %s ---\n", sg.Filename); err != nil {
			return err
		}
		for _, block := range sg.Lines {
			text := "[UNKNOWN]"
			if idx := block.StartLine - 1; idx >= 0 && idx < len(lines) {
				text = lines[idx]
			}
			if _, err := fmt.Fprintf(w, "%6d (%d unneeded) | %s\n", block.StartLine, block.Count, text); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Printer) linesOf(path string) ([]string, error) {
	if lines, ok := p.cache[path]; ok {
		if lines == nil {
			return nil, fmt.Errorf("source file %s unavailable", path)
		}
		return lines, nil
	}

	f, err := os.Open(path)
	if err != nil {
		p.cache[path] = nil
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	p.cache[path] = lines
	return lines, nil
}

// parseLine extracts the leading integer line number from a Loc field
// (spec.md §6's `<loc>` is a "line[:col]"-shaped string); it reports false
// if Loc doesn't start with one, in which case the referencing instruction
// is kept in the IR view but dropped from the source view (spec.md §7).
func parseLine(loc string) (int, bool) {
	s := loc
	if i := strings.IndexByte(loc, ':'); i >= 0 {
		s = loc[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
