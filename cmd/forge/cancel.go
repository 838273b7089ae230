package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"codeforge/internal/types"
	"codeforge/internal/ux"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	var resp struct {
		TaskID string           `json:"task-id"`
		Status types.TaskStatus `json:"status"`
	}
	if err := newAPIClient().post("/v1/tasks/"+args[0]+"/cancel", nil, &resp); err != nil {
		return err
	}
	fmt.Println(ux.KeyValue("task", resp.TaskID))
	fmt.Println(ux.KeyValue("status", ux.StatusBadge(resp.Status)))
	return nil
}
