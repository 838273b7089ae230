package validator

import (
	"context"
	"strings"
	"testing"

	"codeforge/internal/types"
)

func change(path, lang, content string) types.FileChange {
	return types.FileChange{
		Path:       path,
		Language:   lang,
		ChangeType: types.ChangeModify,
		Content:    content,
	}
}

func TestValidateCleanChanges(t *testing.T) {
	v := New(nil)
	changes := []types.FileChange{
		change("pkg/util.go", "go", "package util\n\nfunc Add(a, b int) int { return a + b }\n"),
		change("config.json", "json", `{"key": "value"}`),
		change("README.md", "", "# readme\n"),
	}

	res := v.Validate(context.Background(), changes)
	if !res.OK {
		t.Errorf("Validate not OK: %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v, want none", res.Errors)
	}
}

func TestValidateEmptyChangeList(t *testing.T) {
	v := New(nil)
	res := v.Validate(context.Background(), nil)
	if !res.OK {
		t.Errorf("empty change list should validate, got %v", res.Errors)
	}
}

func TestPathChecker(t *testing.T) {
	c := NewPathChecker()

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"relative path ok", "src/a.go", ""},
		{"nested ok", "a/b/c/d.py", ""},
		{"empty path", "", "empty path"},
		{"absolute unix", "/etc/passwd", "absolute path"},
		{"absolute windows", `C:\windows\system32`, "absolute path"},
		{"traversal", "../outside.go", "traversal"},
		{"embedded traversal", "a/../../b.go", "traversal"},
		{"nul byte", "a\x00b.go", "NUL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := c.Check(context.Background(), []types.FileChange{change(tt.path, "", "x")})
			if tt.wantErr == "" {
				if len(errs) != 0 {
					t.Errorf("Check(%q) = %v, want none", tt.path, errs)
				}
				return
			}
			if len(errs) != 1 || !strings.Contains(errs[0], tt.wantErr) {
				t.Errorf("Check(%q) = %v, want error containing %q", tt.path, errs, tt.wantErr)
			}
		})
	}
}

func TestContentChecker(t *testing.T) {
	c := NewContentChecker(16)

	t.Run("invalid utf-8", func(t *testing.T) {
		errs := c.Check(context.Background(), []types.FileChange{
			change("bin.go", "go", string([]byte{0xff, 0xfe})),
		})
		if len(errs) != 1 || !strings.Contains(errs[0], "UTF-8") {
			t.Errorf("errs = %v", errs)
		}
	})

	t.Run("oversized", func(t *testing.T) {
		errs := c.Check(context.Background(), []types.FileChange{
			change("big.go", "go", strings.Repeat("a", 17)),
		})
		if len(errs) != 1 || !strings.Contains(errs[0], "file too large") {
			t.Errorf("errs = %v", errs)
		}
	})

	t.Run("within limit", func(t *testing.T) {
		errs := c.Check(context.Background(), []types.FileChange{
			change("ok.go", "go", "sixteen chars ok"),
		})
		if len(errs) != 0 {
			t.Errorf("errs = %v", errs)
		}
	})
}

func TestSyntaxCheckerGo(t *testing.T) {
	c := NewSyntaxChecker()

	errs := c.Check(context.Background(), []types.FileChange{
		change("good.go", "go", "package good\n\nvar X = 1\n"),
	})
	if len(errs) != 0 {
		t.Errorf("valid Go flagged: %v", errs)
	}

	errs = c.Check(context.Background(), []types.FileChange{
		change("bad.go", "go", "package bad\n\nfunc broken( {\n"),
	})
	if len(errs) == 0 {
		t.Fatal("invalid Go not flagged")
	}
	if !strings.Contains(errs[0], "bad.go") {
		t.Errorf("error does not name the file: %q", errs[0])
	}
}

func TestSyntaxCheckerJSON(t *testing.T) {
	c := NewSyntaxChecker()

	errs := c.Check(context.Background(), []types.FileChange{
		change("a.json", "json", `{"ok": true}`),
		change("b.json", "json", `{"broken": `),
	})
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly one", errs)
	}
	if !strings.Contains(errs[0], "b.json") {
		t.Errorf("error does not name b.json: %q", errs[0])
	}
}

func TestSyntaxCheckerTreeSitter(t *testing.T) {
	c := NewSyntaxChecker()

	tests := []struct {
		name    string
		lang    string
		path    string
		content string
		wantErr bool
	}{
		{"valid python", "python", "a.py", "def f():\n    return 1\n", false},
		{"broken python", "python", "b.py", "def f(:\n", true},
		{"valid javascript", "javascript", "a.js", "function f() { return 1; }\n", false},
		{"broken javascript", "javascript", "b.js", "function f( { return\n", true},
		{"valid rust", "rust", "a.rs", "fn main() {}\n", false},
		{"broken rust", "rust", "b.rs", "fn main( {}\n", true},
		{"valid typescript", "typescript", "a.ts", "const x: number = 1;\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := c.Check(context.Background(), []types.FileChange{
				change(tt.path, tt.lang, tt.content),
			})
			if tt.wantErr && len(errs) == 0 {
				t.Error("expected a syntax error")
			}
			if !tt.wantErr && len(errs) != 0 {
				t.Errorf("unexpected errors: %v", errs)
			}
		})
	}
}

func TestSyntaxCheckerSkipsUnknownLanguage(t *testing.T) {
	c := NewSyntaxChecker()
	errs := c.Check(context.Background(), []types.FileChange{
		change("notes.txt", "", "anything goes here"),
	})
	if len(errs) != 0 {
		t.Errorf("errs = %v, want none", errs)
	}
}

func TestSyntaxCheckerSkipsDeletes(t *testing.T) {
	c := NewSyntaxChecker()
	errs := c.Check(context.Background(), []types.FileChange{
		{Path: "gone.go", Language: "go", ChangeType: types.ChangeDelete, Content: "not even go"},
	})
	if len(errs) != 0 {
		t.Errorf("errs = %v, want none", errs)
	}
}

func TestSyntaxCheckerInfersLanguageFromPath(t *testing.T) {
	c := NewSyntaxChecker()
	errs := c.Check(context.Background(), []types.FileChange{
		change("inferred.go", "", "package broken\n\nfunc (\n"),
	})
	if len(errs) == 0 {
		t.Error("expected error for broken Go inferred from extension")
	}
}

func TestValidateCancelledContext(t *testing.T) {
	v := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := v.Validate(ctx, []types.FileChange{change("a.go", "go", "package a\n")})
	if res.OK {
		t.Error("cancelled validation reported OK")
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "aborted") {
		t.Errorf("Errors = %v", res.Errors)
	}
}

func TestValidateCollectsAcrossCheckers(t *testing.T) {
	v := New(nil)
	changes := []types.FileChange{
		change("../escape.go", "go", "package ok\n"),
		change("bad.go", "go", "package bad\nfunc (\n"),
	}

	res := v.Validate(context.Background(), changes)
	if res.OK {
		t.Fatal("expected failure")
	}
	if len(res.Errors) < 2 {
		t.Errorf("Errors = %v, want both path and syntax errors", res.Errors)
	}
}
