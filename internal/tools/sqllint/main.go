// Command sqllint checks that every inline SQL constant starts with a unique
// "--sql <uuid>" marker. SQLRunner logs the marker with each query, so a
// missing or reused marker makes slow-query logs ambiguous.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	sqlKeywordPattern = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with|create)\b`)
	uuidMarkerPattern = regexp.MustCompile(`^--sql ([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)
)

type violation struct {
	file    string
	name    string
	line    int
	message string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
}

// marker is one SQL constant and the uuid it carries.
type marker struct {
	file string
	name string
	line int
	id   string
}

func main() {
	flag.Parse()
	targets := flag.Args()
	if len(targets) == 0 {
		targets = []string{"."}
	}

	violations, err := lintPaths(targets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqllint: %v\n", err)
		os.Exit(1)
	}
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "sqllint: SQL audit marker problems")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", v)
		}
		os.Exit(1)
	}
}

func lintPaths(targets []string) ([]violation, error) {
	var (
		violations []violation
		markers    []marker
	)
	visit := func(path string) error {
		vs, ms, err := lintFile(path)
		if err != nil {
			return err
		}
		violations = append(violations, vs...)
		markers = append(markers, ms...)
		return nil
	}

	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if filepath.Ext(target) == ".go" {
				if err := visit(target); err != nil {
					return nil, err
				}
			}
			continue
		}
		err = filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if path != target && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "node_modules") {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			return visit(path)
		})
		if err != nil {
			return nil, err
		}
	}

	violations = append(violations, duplicateMarkers(markers)...)
	return violations, nil
}

func lintFile(path string) ([]violation, []marker, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, nil, err
	}
	var (
		violations []violation
		markers    []marker
	)
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for _, value := range vs.Values {
			bl, ok := value.(*ast.BasicLit)
			if !ok || bl.Kind != token.STRING {
				continue
			}
			raw, err := unquote(bl.Value)
			if err != nil || !looksLikeSQL(raw) {
				continue
			}
			pos := fset.Position(bl.Pos())
			name := joinNames(vs.Names)
			m := uuidMarkerPattern.FindStringSubmatch(firstLine(raw))
			if m == nil {
				violations = append(violations, violation{
					file:    path,
					line:    pos.Line,
					name:    name,
					message: "missing or invalid --sql <uuid> marker",
				})
				continue
			}
			markers = append(markers, marker{file: path, name: name, line: pos.Line, id: m[1]})
		}
		return true
	})
	return violations, markers, nil
}

// looksLikeSQL keeps plain strings that merely contain an English keyword
// out of the check: a SQL constant either carries a marker or starts with a
// statement keyword.
func looksLikeSQL(raw string) bool {
	first := firstLine(raw)
	if strings.HasPrefix(first, "--sql") {
		return true
	}
	loc := sqlKeywordPattern.FindStringIndex(first)
	return loc != nil && loc[0] == 0
}

func duplicateMarkers(markers []marker) []violation {
	byID := make(map[string][]marker)
	for _, m := range markers {
		byID[m.id] = append(byID[m.id], m)
	}
	var out []violation
	for id, ms := range byID {
		if len(ms) < 2 {
			continue
		}
		for _, m := range ms[1:] {
			out = append(out, violation{
				file:    m.file,
				line:    m.line,
				name:    m.name,
				message: fmt.Sprintf("marker %s already used by %s", id, ms[0].name),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].file != out[j].file {
			return out[i].file < out[j].file
		}
		return out[i].line < out[j].line
	})
	return out
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if len(v) == 0 {
		return v, nil
	}
	if v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}

func joinNames(idents []*ast.Ident) string {
	parts := make([]string, 0, len(idents))
	for _, ident := range idents {
		if ident == nil {
			continue
		}
		parts = append(parts, ident.Name)
	}
	return strings.Join(parts, ",")
}
