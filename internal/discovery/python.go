package discovery

import (
	"regexp"
	"sort"
	"strings"
)

var (
	defRegex        = regexp.MustCompile(`^(?:async\s+)?def\s+([A-Za-z_]\w*)`)
	classRegex      = regexp.MustCompile(`^class\s+([A-Za-z_]\w*)`)
	markerRegex     = regexp.MustCompile(`^@\s*pytest\.mark\.([A-Za-z_]\w*)`)
	pytestmarkRegex = regexp.MustCompile(`^pytestmark\s*(?::[^=]*)?=`)
	markRefRegex    = regexp.MustCompile(`pytest\.mark\.([A-Za-z_]\w*)`)
	docstringRegex  = regexp.MustCompile(`^[rRuU]?("""|'''|"|')`)
)

// Item is a test function or class found in a file
type Item struct {
	Name      string
	Class     bool
	Line      int
	Docstring string
	Markers   []string
	Methods   []*Item
}

// File is the parse result of one test file
type File struct {
	// Path is relative to the discovery root, with forward slashes
	Path    string
	Markers []string
	Tests   []*Item
}

// Empty reports whether the file holds no tests
func (f *File) Empty() bool {
	return len(f.Tests) == 0
}

// IsTestFile matches test_*.py, *_test.py and test.py
func IsTestFile(name string) bool {
	if !strings.HasSuffix(name, ".py") {
		return false
	}
	return strings.HasPrefix(name, "test_") || strings.HasSuffix(name, "_test.py") || name == "test.py"
}

func isTestFunction(name string) bool {
	return strings.HasPrefix(name, "test_") || strings.HasSuffix(name, "_test")
}

func isTestClass(name string) bool {
	return strings.HasPrefix(name, "Test") || strings.HasSuffix(name, "Test")
}

// ParseFile extracts top-level test functions, test classes with their
// methods, and pytest markers from Python source. Module-level pytestmark
// applies to every test; class markers are inherited by methods.
func ParseFile(path string, src []byte) *File {
	f := &File{Path: path}

	var (
		pending    []string
		cls        *Item
		bodyIndent = -1
		awaitDoc   *Item
		awaitAt    int
	)

	for _, ll := range logicalLines(string(src)) {
		if awaitDoc != nil {
			target, at := awaitDoc, awaitAt
			awaitDoc = nil
			if ll.indent > at {
				if doc, ok := docstring(ll.text); ok {
					target.Docstring = doc
					continue
				}
			}
		}

		if ll.indent == 0 {
			cls = nil
		} else if cls != nil && bodyIndent < 0 {
			bodyIndent = ll.indent
		}

		text := ll.text
		if strings.HasPrefix(text, "@") {
			if m := markerRegex.FindStringSubmatch(text); m != nil {
				pending = append(pending, m[1])
			}
			continue
		}
		decorators := pending
		pending = nil

		switch {
		case classRegex.MatchString(text):
			if ll.indent != 0 {
				continue
			}
			name := classRegex.FindStringSubmatch(text)[1]
			item := &Item{Name: name, Class: true, Line: ll.line, Markers: decorators}
			cls = item
			bodyIndent = -1
			awaitDoc, awaitAt = item, ll.indent
			if isTestClass(name) {
				f.Tests = append(f.Tests, item)
			}

		case defRegex.MatchString(text):
			name := defRegex.FindStringSubmatch(text)[1]
			if !isTestFunction(name) {
				continue
			}
			item := &Item{Name: name, Line: ll.line, Markers: decorators}
			switch {
			case ll.indent == 0:
				f.Tests = append(f.Tests, item)
			case cls != nil && ll.indent == bodyIndent:
				cls.Methods = append(cls.Methods, item)
			default:
				continue
			}
			awaitDoc, awaitAt = item, ll.indent

		case pytestmarkRegex.MatchString(text):
			marks := markRefs(text)
			if ll.indent == 0 {
				f.Markers = append(f.Markers, marks...)
			} else if cls != nil && ll.indent == bodyIndent {
				cls.Markers = append(cls.Markers, marks...)
			}
		}
	}

	f.Markers = uniqueSorted(f.Markers)

	tests := f.Tests[:0]
	for _, t := range f.Tests {
		if t.Class && len(t.Methods) == 0 {
			continue
		}
		t.Markers = uniqueSorted(append(t.Markers, f.Markers...))
		for _, m := range t.Methods {
			m.Markers = uniqueSorted(append(m.Markers, t.Markers...))
		}
		tests = append(tests, t)
	}
	f.Tests = tests

	return f
}

func markRefs(text string) []string {
	var out []string
	for _, m := range markRefRegex.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// docstring returns the contents of a string literal statement
func docstring(text string) (string, bool) {
	m := docstringRegex.FindStringSubmatchIndex(text)
	if m == nil {
		return "", false
	}
	quote := text[m[2]:m[3]]
	body := text[m[3]:]
	end := strings.Index(body, quote)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(body[:end]), true
}

type logicalLine struct {
	indent int
	line   int
	text   string
}

// logicalLines splits Python source into logical lines. Bracketed and
// backslash continuations are joined, comments dropped, and string
// literals kept verbatim so triple-quoted text never looks like code.
func logicalLines(src string) []logicalLine {
	var (
		out       []logicalLine
		buf       strings.Builder
		depth     int
		lineNo    = 1
		start     = 1
		indent    int
		lineStart = true
	)

	emit := func() {
		if text := strings.TrimSpace(buf.String()); text != "" {
			out = append(out, logicalLine{indent: indent, line: start, text: text})
		}
		buf.Reset()
		depth = 0
	}

	for i := 0; i < len(src); i++ {
		if lineStart && buf.Len() == 0 {
			indent = 0
			for i < len(src) && (src[i] == ' ' || src[i] == '\t') {
				if src[i] == '\t' {
					indent += 8 - indent%8
				} else {
					indent++
				}
				i++
			}
			start = lineNo
			lineStart = false
			if i >= len(src) {
				break
			}
		}

		c := src[i]
		switch {
		case c == '#':
			for i+1 < len(src) && src[i+1] != '\n' {
				i++
			}
		case c == '"' || c == '\'':
			i = scanString(src, i, &buf, &lineNo)
		case c == '(' || c == '[' || c == '{':
			depth++
			buf.WriteByte(c)
		case c == ')' || c == ']' || c == '}':
			if depth > 0 {
				depth--
			}
			buf.WriteByte(c)
		case c == '\\' && i+1 < len(src) && src[i+1] == '\n':
			buf.WriteByte(' ')
			i++
			lineNo++
		case c == '\r':
		case c == '\n':
			lineNo++
			if depth > 0 {
				buf.WriteByte(' ')
				continue
			}
			emit()
			lineStart = true
		default:
			buf.WriteByte(c)
		}
	}
	emit()
	return out
}

// scanString copies the literal starting at src[i] into buf and returns
// the index of its last byte
func scanString(src string, i int, buf *strings.Builder, lineNo *int) int {
	q := src[i]
	triple := i+2 < len(src) && src[i+1] == q && src[i+2] == q
	if triple {
		buf.WriteString(src[i : i+3])
		i += 3
	} else {
		buf.WriteByte(q)
		i++
	}

	for ; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src):
			buf.WriteByte(c)
			buf.WriteByte(src[i+1])
			if src[i+1] == '\n' {
				*lineNo++
			}
			i++
		case c == '\n':
			if !triple {
				// unterminated; let the caller end the line
				return i - 1
			}
			*lineNo++
			buf.WriteByte(c)
		case c == q && !triple:
			buf.WriteByte(c)
			return i
		case c == q && triple && i+2 < len(src) && src[i+1] == q && src[i+2] == q:
			buf.WriteString(src[i : i+3])
			return i + 2
		default:
			buf.WriteByte(c)
		}
	}
	return len(src) - 1
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
