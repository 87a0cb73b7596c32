// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"
	"maps"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"rbridge/cli/internal/bridge/model"
	"rbridge/cli/internal/logging"
)

var taskFlags struct {
	id             string
	input          string
	agent          string
	description    string
	timeout        int
	metadata       map[string]string
	idempotencyKey string
	raw            bool
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Run tasks on the backend",
}

var taskRunCmd = &cobra.Command{
	Use:   "run <type>",
	Short: "Execute a task and wait for its result",
	Long: `Execute a task of the given type on the backend and print its result.
Input is inline JSON or @file. A task interrupted by a connection failure is
retried once after reconnecting, carrying the same task id and idempotency key.`,
	Example: `  rbridge task run summarize --input '{"text":"hello"}' --timeout 30
  rbridge task run import --input @payload.json --idempotency-key batch-42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := parseJSONArg(taskFlags.input)
		if err != nil {
			return fmt.Errorf("--input: %w", err)
		}
		meta := maps.Clone(taskFlags.metadata)
		if taskFlags.idempotencyKey != "" {
			if meta == nil {
				meta = map[string]string{}
			}
			meta[model.MetadataIdempotencyKey] = taskFlags.idempotencyKey
		}

		b, err := newBridge(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer closeBridge(b)

		stop := spin("Running " + args[0])
		res := b.ExecuteTask(cmd.Context(), model.TaskRequest{
			TaskID:         taskFlags.id,
			TaskType:       args[0],
			Description:    taskFlags.description,
			Input:          input,
			AgentID:        taskFlags.agent,
			TimeoutSeconds: taskFlags.timeout,
			Metadata:       meta,
		})
		stop()

		return printTaskResult(res)
	},
}

func printTaskResult(res model.TaskResult) error {
	if !res.OK() {
		if logging.ClassifyMessage(res.Error) != logging.ErrorUnknown {
			logging.PresentConnectivityError(res.Error)
		} else {
			pterm.Error.Printf("Task %s failed: %s\n", res.TaskID, logging.Mask(res.Error))
		}
		return errReported
	}
	if taskFlags.raw {
		fmt.Println(res.Output.String())
		return nil
	}

	details := fmt.Sprintf("Task:      %s\nStatus:    %s\nDuration:  %s", res.TaskID, res.Status, res.ExecutionTime)
	if res.AgentID != "" {
		details += "\nAgent:     " + res.AgentID
	}
	if res.Retried {
		details += "\nRetried:   yes"
	}
	pterm.Success.Println("Task completed")
	pterm.DefaultBox.Println(details)
	if !res.Output.IsEmpty() {
		fmt.Println(prettyJSON(res.Output))
	}
	return nil
}

func init() {
	f := taskRunCmd.Flags()
	f.StringVar(&taskFlags.id, "id", "", "Task id (generated when empty)")
	f.StringVar(&taskFlags.input, "input", "", "Task input as JSON or @file")
	f.StringVar(&taskFlags.agent, "agent", "", "Agent id to run the task")
	f.StringVar(&taskFlags.description, "description", "", "Human-readable task description")
	f.IntVar(&taskFlags.timeout, "timeout", model.DefaultTaskTimeoutSeconds, "Task timeout in seconds")
	f.StringToStringVar(&taskFlags.metadata, "metadata", nil, "Task metadata as key=value pairs")
	f.StringVar(&taskFlags.idempotencyKey, "idempotency-key", "", "Dedupe token (defaults to the task id)")
	f.BoolVar(&taskFlags.raw, "raw", false, "Print only the task output")

	taskCmd.AddCommand(taskRunCmd)
	rootCmd.AddCommand(taskCmd)
}
