package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInlineQueriesCarryUniqueMarkers(t *testing.T) {
	violations, err := lintPaths([]string{filepath.Join("..", "..", "sqlinline")})
	if err != nil {
		t.Fatalf("lintPaths: %v", err)
	}
	for _, v := range violations {
		t.Errorf("%s", v)
	}
}

func TestLintReportsMissingAndDuplicateMarkers(t *testing.T) {
	dir := t.TempDir()
	src := "package q\n\n" +
		"const QGood = `--sql 11111111-2222-4333-8444-555555555555\nselect 1;\n`\n" +
		"const QCopy = `--sql 11111111-2222-4333-8444-555555555555\nselect 2;\n`\n" +
		"const QBare = `select 3;`\n" +
		"const Greeting = \"hello, please select a deck\"\n"
	if err := os.WriteFile(filepath.Join(dir, "q.go"), []byte(src), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	violations, err := lintPaths([]string{dir})
	if err != nil {
		t.Fatalf("lintPaths: %v", err)
	}
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %d: %v", len(violations), violations)
	}

	var sawBare, sawCopy bool
	for _, v := range violations {
		switch v.name {
		case "QBare":
			sawBare = strings.Contains(v.message, "missing")
		case "QCopy":
			sawCopy = strings.Contains(v.message, "already used by QGood")
		}
	}
	if !sawBare || !sawCopy {
		t.Fatalf("unexpected violations: %v", violations)
	}
}
