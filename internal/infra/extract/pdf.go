package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var pageFileRe = regexp.MustCompile(`page_(\d+)`)

// extractPDF dumps each page's content stream with pdfcpu and pulls the
// string operands of the text-showing operators out of it.
func extractPDF(ctx context.Context, path string) (string, error) {
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}

	outDir, err := os.MkdirTemp("", "docreview-pdf-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(path, outDir, nil, conf); err != nil {
		return "", fmt.Errorf("extract pdf content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", err
	}
	pages := make(map[int]string, pdfCtx.PageCount)
	for _, e := range entries {
		m := pageFileRe.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		data, err := os.ReadFile(filepath.Join(outDir, e.Name()))
		if err != nil {
			continue
		}
		pages[n] += contentStreamText(string(data))
	}

	nums := make([]int, 0, len(pages))
	for n := range pages {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	var b strings.Builder
	for i, n := range nums {
		if i > 0 {
			fmt.Fprintf(&b, "\n\n--- Page %d ---\n\n", n)
		}
		b.WriteString(strings.TrimSpace(pages[n]))
	}
	return b.String(), nil
}

// contentStreamText extracts literal strings shown by Tj, TJ, ' and " and
// turns line-positioning operators into newlines. Hex strings and font
// encodings are not decoded.
func contentStreamText(stream string) string {
	var b strings.Builder
	var pending []string
	inText := false

	flush := func() {
		for _, s := range pending {
			b.WriteString(s)
		}
		pending = pending[:0]
	}

	for i := 0; i < len(stream); {
		c := stream[i]
		switch {
		case c == '(':
			s, next := readLiteral(stream, i)
			if inText {
				pending = append(pending, s)
			}
			i = next
			continue
		case c == '%':
			for i < len(stream) && stream[i] != '\n' && stream[i] != '\r' {
				i++
			}
			continue
		case isOperatorChar(c):
			j := i
			for j < len(stream) && isOperatorChar(stream[j]) {
				j++
			}
			switch op := stream[i:j]; op {
			case "BT":
				inText = true
			case "ET":
				flush()
				inText = false
				b.WriteString("\n")
			case "Tj", "TJ":
				flush()
			case "'", "\"":
				b.WriteString("\n")
				flush()
			case "T*", "Td", "TD":
				if inText {
					b.WriteString("\n")
				}
			default:
				// strings not consumed by a text-showing operator are dropped
				pending = pending[:0]
			}
			i = j
			continue
		}
		i++
	}
	return collapseBlankLines(b.String())
}

func isOperatorChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '*' || c == '\'' || c == '"'
}

// readLiteral reads a PDF literal string starting at the '(' at i and
// returns its decoded value and the index after the closing ')'.
func readLiteral(s string, i int) (string, int) {
	var b strings.Builder
	depth := 0
	for i < len(s) {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return b.String(), len(s)
			}
			i++
			switch e := s[i]; e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b', 'f':
			case '(', ')', '\\':
				b.WriteByte(e)
			case '\n', '\r':
			default:
				if e >= '0' && e <= '7' {
					j := i
					for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
						j++
					}
					v, _ := strconv.ParseUint(s[i:j], 8, 8)
					b.WriteByte(byte(v))
					i = j
					continue
				}
				b.WriteByte(e)
			}
		case '(':
			if depth > 0 {
				b.WriteByte(c)
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				return b.String(), i + 1
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
		i++
	}
	return b.String(), i
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := 0
	for _, l := range lines {
		l = strings.TrimRight(l, " \t\r")
		if l == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
