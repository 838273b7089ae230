package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"codeforge/internal/intake"
	"codeforge/internal/ux"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task's state, latest execution, and change set",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var view intake.TaskView
	if err := newAPIClient().get("/v1/tasks/"+args[0], &view); err != nil {
		return err
	}

	task := view.Task
	fmt.Println(ux.Header(task.Title))
	fmt.Println(ux.Rule(len(task.Title)))
	fmt.Println(ux.KeyValue("task", task.ID))
	fmt.Println(ux.KeyValue("status", ux.StatusBadge(task.Status)))
	fmt.Println(ux.KeyValue("user", task.UserID))
	if task.TaskType != "" {
		fmt.Println(ux.KeyValue("classified", fmt.Sprintf("%s / %s (%.2f via %s)",
			task.TaskType, task.Complexity, task.Confidence, task.Source)))
	}
	fmt.Println(ux.KeyValue("created", task.CreatedAt.Local().Format(time.RFC3339)))
	if task.CompletedAt != nil {
		fmt.Println(ux.KeyValue("completed", task.CompletedAt.Local().Format(time.RFC3339)))
	}

	if exec := view.Execution; exec != nil {
		fmt.Println()
		fmt.Println(ux.Header("Execution"))
		fmt.Println(ux.KeyValue("id", exec.ID))
		fmt.Println(ux.KeyValue("strategy", exec.Strategy))
		fmt.Println(ux.KeyValue("state", string(exec.Status)))
		fmt.Println(ux.KeyValue("iterations", fmt.Sprintf("%d", exec.Iterations)))
		fmt.Println(ux.KeyValue("tokens", fmt.Sprintf("%d ($%.4f)", exec.TokensUsed, exec.CostUSD)))
		if exec.FailureReason != "" {
			fmt.Println(ux.KeyValue("reason", exec.FailureReason))
		}
	}

	if cs := view.ChangeSet; cs != nil {
		fmt.Println()
		fmt.Println(ux.Header("Change Set"))
		fmt.Println(ux.KeyValue("id", cs.ID))
		fmt.Println(ux.KeyValue("files", fmt.Sprintf("%d changed (+%d -%d)",
			cs.FilesChanged, cs.LinesAdded, cs.LinesRemoved)))
		for _, f := range cs.Files {
			fmt.Printf("  %s %s\n", ux.Dim(string(f.ChangeType)), f.Path)
		}
	}
	return nil
}
