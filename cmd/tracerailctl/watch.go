package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/tracerail/internal/tasks"
)

func watchCmd(opts *globalOptions) *cobra.Command {
	var (
		taskID string
		count  int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream task events from the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if taskID != "" {
				q.Set("task_id", taskID)
			}
			wsURL, err := wsURLFor(opts.server, "/v1/tasks/stream", q)
			if err != nil {
				return fmt.Errorf("build stream URL: %w", err)
			}
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, nil)
			if err != nil {
				return fmt.Errorf("open task stream: %w", err)
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			for seen := 0; count <= 0 || seen < count; seen++ {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return fmt.Errorf("read task stream: %w", err)
				}
				var evt tasks.Event
				if err := json.Unmarshal(data, &evt); err != nil {
					continue
				}
				fmt.Fprintln(out, formatEvent(evt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "only events for this task")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 streams forever)")
	return cmd
}

func formatEvent(evt tasks.Event) string {
	line := fmt.Sprintf("%s %s %s status=%s priority=%s",
		evt.At.Local().Format(time.TimeOnly),
		color.New(color.FgCyan).Sprint(evt.Type),
		evt.TaskID, evt.Status, evt.Priority)
	if evt.AssigneeID != "" {
		line += " assignee=" + evt.AssigneeID
	}
	if evt.EscalationLevel > 0 {
		line += fmt.Sprintf(" level=%d", evt.EscalationLevel)
	}
	if evt.Detail != "" {
		line += " " + fmt.Sprintf("%q", evt.Detail)
	}
	return line
}
