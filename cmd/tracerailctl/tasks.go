package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ent0n29/tracerail/internal/tasks"
)

func tasksCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List, inspect and signal review tasks on a server",
	}
	cmd.AddCommand(tasksListCmd(opts))
	cmd.AddCommand(tasksOverdueCmd(opts))
	cmd.AddCommand(tasksShowCmd(opts))
	cmd.AddCommand(tasksCreateCmd(opts))
	cmd.AddCommand(tasksSignalCmd(opts))
	return cmd
}

type taskList struct {
	Tasks []tasks.Task `json:"tasks"`
}

func tasksListCmd(opts *globalOptions) *cobra.Command {
	var (
		userID string
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's tasks, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"user_id": {userID}}
			if status != "" {
				q.Set("status", status)
			}
			data, err := newAPIClient(opts.server).do(cmd.Context(), http.MethodGet, "/v1/tasks?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), data)
			}
			var list taskList
			if err := json.Unmarshal(data, &list); err != nil {
				return fmt.Errorf("decode task list: %w", err)
			}
			printTaskTable(cmd.OutOrStdout(), list.Tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "assignee id (required)")
	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func tasksOverdueCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List open tasks past their due time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := newAPIClient(opts.server).do(cmd.Context(), http.MethodGet, "/v1/tasks/overdue", nil)
			if err != nil {
				return err
			}
			var list taskList
			if err := json.Unmarshal(data, &list); err != nil {
				return fmt.Errorf("decode task list: %w", err)
			}
			printTaskTable(cmd.OutOrStdout(), list.Tasks)
			return nil
		},
	}
}

func tasksShowCmd(opts *globalOptions) *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print one task with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/tasks/" + url.PathEscape(args[0])
			if events {
				path += "/events"
			}
			data, err := newAPIClient(opts.server).do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "print the event log instead of the task")
	return cmd
}

func tasksCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		data            tasks.TaskData
		priority        string
		metadata        []string
		slaHours        float64
		escalationHours float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a review task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data.Priority = tasks.Priority(priority)
			md, err := parsePairs(metadata)
			if err != nil {
				return err
			}
			data.Metadata = md
			if cmd.Flags().Changed("sla-hours") {
				data.SLAHours = &slaHours
			}
			if cmd.Flags().Changed("escalation-hours") {
				data.EscalationHours = &escalationHours
			}
			body, err := newAPIClient(opts.server).do(cmd.Context(), http.MethodPost, "/v1/tasks", data)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&data.Title, "title", "", "task title")
	cmd.Flags().StringVar(&data.Description, "description", "", "task description")
	cmd.Flags().StringVar(&priority, "priority", string(tasks.PriorityNormal), "low|normal|high|critical")
	cmd.Flags().StringVar(&data.AssigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringSliceVar(&data.CandidateIDs, "candidates", nil, "candidate assignees for round robin")
	cmd.Flags().Float64Var(&slaHours, "sla-hours", 0, "hours until the task is due (server default when unset)")
	cmd.Flags().Float64Var(&escalationHours, "escalation-hours", 0, "hours until the escalation window closes (server default when unset)")
	cmd.Flags().StringVar(&data.RequestID, "request-id", "", "idempotency key")
	cmd.Flags().StringArrayVar(&metadata, "metadata", nil, "metadata as key=value, repeatable")
	return cmd
}

type signalBody struct {
	Actor      string            `json:"actor,omitempty"`
	SignalID   string            `json:"signal_id,omitempty"`
	AssigneeID string            `json:"assignee_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Result     *tasks.TaskResult `json:"result,omitempty"`
}

func tasksSignalCmd(opts *globalOptions) *cobra.Command {
	var (
		body    signalBody
		outcome string
		comment string
	)
	cmd := &cobra.Command{
		Use:       "signal <task-id> <assign|start|review|complete|cancel>",
		Short:     "Send a lifecycle signal to a task",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"assign", "start", "review", "complete", "cancel"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := strings.ToLower(args[1])
			if action == "complete" {
				if outcome == "" {
					return fmt.Errorf("--outcome is required to complete a task")
				}
				body.Result = &tasks.TaskResult{Outcome: outcome, Comment: comment}
			}
			path := "/v1/tasks/" + url.PathEscape(args[0]) + "/" + url.PathEscape(action)
			data, err := newAPIClient(opts.server).do(cmd.Context(), http.MethodPost, path, body)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&body.Actor, "actor", "", "who sends the signal")
	cmd.Flags().StringVar(&body.SignalID, "signal-id", "", "delivery id; a repeated id is a no-op")
	cmd.Flags().StringVar(&body.AssigneeID, "assignee", "", "assignee for assign")
	cmd.Flags().StringVar(&body.Reason, "reason", "", "reason for cancel")
	cmd.Flags().StringVar(&outcome, "outcome", "", "result outcome for complete")
	cmd.Flags().StringVar(&comment, "comment", "", "result comment for complete")
	return cmd
}

func printTaskTable(w io.Writer, list []tasks.Task) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tASSIGNEE\tLEVEL\tDUE\tTITLE")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, statusColor(t.Status), t.Priority, t.AssigneeID, t.EscalationLevel,
			t.DueAt.Local().Format(time.DateTime), t.Title)
	}
	_ = tw.Flush()
}

func statusColor(s tasks.TaskStatus) string {
	switch s {
	case tasks.TaskStatusCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case tasks.TaskStatusEscalated:
		return color.New(color.FgRed).Sprint(s)
	case tasks.TaskStatusCancelled:
		return color.New(color.FgHiBlack).Sprint(s)
	case tasks.TaskStatusWaitingReview:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return string(s)
	}
}
