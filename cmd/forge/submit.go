package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"codeforge/internal/intake"
	"codeforge/internal/types"
	"codeforge/internal/ux"
)

var (
	submitDescription string
	submitType        string
	submitStrategy    string
	submitPriority    int
	submitToken       string
	submitUser        string
	submitFiles       []string
)

var submitCmd = &cobra.Command{
	Use:   "submit [title]",
	Short: "Submit a coding task to the forge server",
	Example: `  forge submit "Fix null check in Auth" -d "short fix to null deref" --type bug-fix
  forge submit "Migrate storage layer" --strategy MultiAgent --file internal/store/store.go`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitDescription, "description", "d", "", "Task description")
	submitCmd.Flags().StringVar(&submitType, "type", "", "Type hint: bug-fix, feature, refactor, other")
	submitCmd.Flags().StringVar(&submitStrategy, "strategy", "", "Override strategy: SingleShot, Iterative, MultiAgent")
	submitCmd.Flags().IntVarP(&submitPriority, "priority", "p", 0, "Priority 0 (lowest) to 3 (highest)")
	submitCmd.Flags().StringVar(&submitToken, "token", "", "Client token for idempotent resubmission")
	submitCmd.Flags().StringVarP(&submitUser, "user", "u", "cli", "Submitting user id")
	submitCmd.Flags().StringSliceVarP(&submitFiles, "file", "f", nil, "Context file to attach (repeatable)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	files, err := readContextFiles(submitFiles)
	if err != nil {
		return err
	}

	sub := intake.Submission{
		UserID:           submitUser,
		Title:            args[0],
		Description:      submitDescription,
		TypeHint:         types.TaskType(submitType),
		OverrideStrategy: submitStrategy,
		Priority:         submitPriority,
		ClientToken:      submitToken,
		ContextFiles:     files,
	}

	var resp struct {
		TaskID    string           `json:"task-id"`
		Status    types.TaskStatus `json:"status"`
		CreatedAt time.Time        `json:"created-at"`
	}
	if err := newAPIClient().post("/v1/tasks", sub, &resp); err != nil {
		return err
	}

	fmt.Println(ux.KeyValue("task", resp.TaskID))
	fmt.Println(ux.KeyValue("status", ux.StatusBadge(resp.Status)))
	fmt.Println(ux.Dim(fmt.Sprintf("created %s", resp.CreatedAt.Local().Format(time.RFC3339))))
	return nil
}

func readContextFiles(paths []string) ([]types.ContextFile, error) {
	var files []types.ContextFile
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
		files = append(files, types.ContextFile{Path: p, Content: string(content)})
	}
	return files, nil
}
