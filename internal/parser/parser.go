// Package parser extracts file changes from LLM output.
//
// The recognized grammar is a `FILE: <path>` declaration line followed by a
// fenced code block. Parsing never fails; malformed input yields an empty
// change list.
package parser

import (
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"codeforge/internal/types"
)

// Parser scans LLM responses for file declarations and fenced code blocks.
type Parser struct {
	log *zap.Logger
}

// New creates a Parser.
func New(log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{log: log.Named("parser")}
}

const fileDeclPrefix = "FILE:"

type fileDecl struct {
	line int
	path string
}

type codeBlock struct {
	line    int
	tag     string
	content string
	paired  bool
}

// Parse extracts an ordered list of file changes from free-form text.
//
// Each `FILE:` declaration is paired with the nearest following code block
// that has not already been paired. Declarations without a block and blocks
// without a declaration are dropped. All parsed changes are of type modify.
func (p *Parser) Parse(text string) []types.FileChange {
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	var decls []fileDecl
	var blocks []codeBlock

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if strings.HasPrefix(line, fileDeclPrefix) {
			path := strings.TrimSpace(line[len(fileDeclPrefix):])
			if path == "" {
				p.log.Debug("dropping file declaration with empty path",
					zap.Int("line", i+1))
				continue
			}
			decls = append(decls, fileDecl{line: i, path: path})
			continue
		}

		if strings.HasPrefix(line, "```") {
			end := -1
			for j := i + 1; j < len(lines); j++ {
				if lines[j] == "```" {
					end = j
					break
				}
			}
			if end == -1 {
				// Unterminated fence: everything to EOF is block interior,
				// nothing more to scan.
				p.log.Debug("dropping unterminated code block",
					zap.Int("line", i+1))
				break
			}
			blocks = append(blocks, codeBlock{
				line:    i,
				tag:     strings.TrimSpace(line[3:]),
				content: strings.Join(lines[i+1:end], "\n"),
			})
			i = end
		}
	}

	changes := make([]types.FileChange, 0, len(decls))
	for _, d := range decls {
		matched := -1
		for bi := range blocks {
			if blocks[bi].paired || blocks[bi].line < d.line {
				continue
			}
			matched = bi
			break
		}
		if matched == -1 {
			p.log.Debug("dropping unpaired file declaration",
				zap.String("path", d.path), zap.Int("line", d.line+1))
			continue
		}
		b := &blocks[matched]
		b.paired = true
		changes = append(changes, types.FileChange{
			Path:       d.path,
			Language:   p.resolveLanguage(b.tag, d.path),
			ChangeType: types.ChangeModify,
			Content:    b.content,
		})
	}

	for _, b := range blocks {
		if !b.paired {
			p.log.Debug("dropping unpaired code block", zap.Int("line", b.line+1))
		}
	}

	return changes
}

// resolveLanguage keeps a recognized fence tag, otherwise infers the language
// from the file extension.
func (p *Parser) resolveLanguage(tag, path string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if _, ok := knownLanguages[tag]; ok {
		return tag
	}
	return LanguageForPath(path)
}

var knownLanguages = map[string]struct{}{
	"csharp":     {},
	"javascript": {},
	"typescript": {},
	"python":     {},
	"java":       {},
	"go":         {},
	"rust":       {},
	"cpp":        {},
	"c":          {},
	"ruby":       {},
	"php":        {},
	"swift":      {},
	"kotlin":     {},
	"sql":        {},
	"json":       {},
	"xml":        {},
	"html":       {},
	"css":        {},
}

// LanguageForPath maps a file extension to its language tag. Returns the
// empty string for unrecognized extensions.
func LanguageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cs":
		return "csharp"
	case ".js":
		return "javascript"
	case ".ts":
		return "typescript"
	case ".py":
		return "python"
	case ".java":
		return "java"
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".cpp", ".cc", ".cxx":
		return "cpp"
	case ".c":
		return "c"
	case ".rb":
		return "ruby"
	case ".php":
		return "php"
	case ".swift":
		return "swift"
	case ".kt":
		return "kotlin"
	case ".sql":
		return "sql"
	case ".json":
		return "json"
	case ".xml":
		return "xml"
	case ".html":
		return "html"
	case ".css":
		return "css"
	default:
		return ""
	}
}

// Render emits changes in the declaration grammar Parse reads. For change
// lists produced by Parse, Render is its inverse: languages are already
// normalized tags and contents carry no trailing newline.
func Render(changes []types.FileChange) string {
	var sb strings.Builder
	for i, ch := range changes {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fileDeclPrefix)
		sb.WriteByte(' ')
		sb.WriteString(ch.Path)
		sb.WriteByte('\n')
		sb.WriteString("```")
		sb.WriteString(ch.Language)
		sb.WriteByte('\n')
		sb.WriteString(ch.Content)
		if !strings.HasSuffix(ch.Content, "\n") {
			sb.WriteByte('\n')
		}
		sb.WriteString("```")
	}
	if sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	return sb.String()
}

// FencedBlock renders content as a fenced code block tagged by the path's
// language. Used when assembling prompts so context files round-trip through
// the same grammar Parse reads.
func FencedBlock(path, content string) string {
	var sb strings.Builder
	sb.WriteString("```")
	sb.WriteString(LanguageForPath(path))
	sb.WriteByte('\n')
	sb.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		sb.WriteByte('\n')
	}
	sb.WriteString("```")
	return sb.String()
}
