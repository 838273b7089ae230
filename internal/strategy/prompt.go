package strategy

import (
	"strings"

	"codeforge/internal/parser"
	"codeforge/internal/types"
)

// changeSystemPrompt instructs the model to answer in the grammar the change
// parser reads. Every code-producing call uses it.
const changeSystemPrompt = `You are a coding agent. Implement the requested change and output every modified file in exactly this format:

FILE: <relative/path/to/file>
` + "```" + `<language>
<complete file content>
` + "```" + `

Rules:
- One FILE: declaration per file, immediately followed by its fenced block.
- Output the complete content of each file, not a diff or fragment.
- Output nothing but FILE: declarations and fenced blocks.`

// BuildUserPrompt assembles the deterministic user prompt: task header,
// context files as fenced blocks, and a validation errors section only when
// errors exist.
func BuildUserPrompt(task *types.Task, files []types.ContextFile, validationErrors []string) string {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(task.Title)
	sb.WriteString("\nDescription: ")
	sb.WriteString(task.Description)
	sb.WriteString("\nType: ")
	sb.WriteString(string(effectiveType(task)))
	sb.WriteString("\n\n")

	for _, f := range files {
		sb.WriteString("## ")
		sb.WriteString(f.Path)
		sb.WriteByte('\n')
		sb.WriteString(parser.FencedBlock(f.Path, f.Content))
		sb.WriteString("\n\n")
	}

	if len(validationErrors) > 0 {
		sb.WriteString("Validation errors:\n")
		for _, e := range validationErrors {
			sb.WriteString("- ")
			sb.WriteString(e)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// effectiveType prefers the classified type, then the submitter's hint.
func effectiveType(task *types.Task) types.TaskType {
	if task.TaskType != "" {
		return task.TaskType
	}
	if task.TypeHint != "" {
		return task.TypeHint
	}
	return types.TaskTypeOther
}
