package validator

import (
	"context"
	"encoding/json"
	"fmt"
	goparser "go/parser"
	"go/token"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"codeforge/internal/parser"
	"codeforge/internal/types"
)

// =============================================================================
// SYNTAX CHECKER
// =============================================================================

// parseFunc parses content and returns a parse error, or nil.
type parseFunc func(ctx context.Context, content []byte) error

// SyntaxChecker verifies that changed files parse in their declared
// language. Go and JSON use native parsers; Python, JavaScript, TypeScript,
// and Rust go through tree-sitter. Languages without a registered parser
// are skipped.
type SyntaxChecker struct {
	mu      sync.Mutex // tree-sitter parsers are not safe for concurrent use
	parsers map[string]parseFunc
}

// NewSyntaxChecker creates a SyntaxChecker with the built-in parsers.
func NewSyntaxChecker() *SyntaxChecker {
	c := &SyntaxChecker{parsers: make(map[string]parseFunc)}

	c.parsers["go"] = parseGo
	c.parsers["json"] = parseJSON
	c.parsers["python"] = treeSitterParser(python.GetLanguage())
	c.parsers["javascript"] = treeSitterParser(javascript.GetLanguage())
	c.parsers["typescript"] = treeSitterParser(typescript.GetLanguage())
	c.parsers["rust"] = treeSitterParser(rust.GetLanguage())

	return c
}

// RegisterParser adds or replaces the parser for a language tag.
func (c *SyntaxChecker) RegisterParser(language string, fn parseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parsers[language] = fn
}

// Name returns the checker name.
func (c *SyntaxChecker) Name() string { return "syntax" }

// Check parses each file change with the parser for its language.
func (c *SyntaxChecker) Check(ctx context.Context, changes []types.FileChange) []string {
	var errs []string
	for _, ch := range changes {
		if ch.ChangeType == types.ChangeDelete {
			continue
		}
		lang := ch.Language
		if lang == "" {
			lang = parser.LanguageForPath(ch.Path)
		}

		c.mu.Lock()
		fn, ok := c.parsers[lang]
		c.mu.Unlock()
		if !ok {
			continue
		}

		c.mu.Lock()
		err := fn(ctx, []byte(ch.Content))
		c.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Path, err))
		}
	}
	return errs
}

// parseGo parses Go source with the standard library parser.
func parseGo(_ context.Context, content []byte) error {
	fset := token.NewFileSet()
	_, err := goparser.ParseFile(fset, "check.go", content, goparser.AllErrors)
	return err
}

// parseJSON validates JSON content.
func parseJSON(_ context.Context, content []byte) error {
	var v interface{}
	if err := json.Unmarshal(content, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// treeSitterParser builds a parseFunc for a tree-sitter grammar.
func treeSitterParser(lang *sitter.Language) parseFunc {
	p := sitter.NewParser()
	p.SetLanguage(lang)
	return func(ctx context.Context, content []byte) error {
		tree, err := p.ParseCtx(ctx, nil, content)
		if err != nil {
			return fmt.Errorf("parse failed: %w", err)
		}
		defer tree.Close()

		root := tree.RootNode()
		if !root.HasError() {
			return nil
		}
		if bad := firstErrorNode(root); bad != nil {
			pt := bad.StartPoint()
			return fmt.Errorf("syntax error at line %d, column %d", pt.Row+1, pt.Column+1)
		}
		return fmt.Errorf("syntax error")
	}
}

// firstErrorNode locates the shallowest ERROR or missing node in a subtree.
func firstErrorNode(n *sitter.Node) *sitter.Node {
	if !n.HasError() {
		return nil
	}
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstErrorNode(n.Child(i)); found != nil {
			return found
		}
	}
	return n
}
