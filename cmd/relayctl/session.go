package main

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"detection-relay/internal/session"

	"github.com/spf13/cobra"
)

type sessionInfo struct {
	session.Session
	Percent    float64 `json:"percent"`
	DurationMs int64   `json:"duration_ms"`
	Relaying   bool    `json:"relaying"`
}

type startReply struct {
	SessionID    string `json:"session_id"`
	State        string `json:"state"`
	WebSocketURL string `json:"websocket_url"`
	OutputURL    string `json:"output_url,omitempty"`
}

type cameraStopReply struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	DurationMs int64  `json:"duration_ms"`
	Saved      bool   `json:"saved"`
	Reason     string `json:"reason,omitempty"`
}

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Video stream commands",
	}

	cmd.AddCommand(newStreamStartCmd())

	return cmd
}

func newStreamStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <video_path>",
		Short: "Start relaying a video file through the engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			save, _ := cmd.Flags().GetBool("save")

			body := map[string]any{"video_path": args[0], "save_output": save}
			if id != "" {
				body["session_id"] = id
			}

			var reply startReply
			if err := clientFromCmd(cmd).post(cmd.Context(), "/realtime/stream/start", body, &reply); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session: %s (%s)\n", reply.SessionID, reply.State)
			fmt.Fprintf(out, "websocket: %s\n", reply.WebSocketURL)
			if reply.OutputURL != "" {
				fmt.Fprintf(out, "output: %s\n", reply.OutputURL)
			}
			return nil
		},
	}

	cmd.Flags().String("id", "", "session id (generated when empty)")
	cmd.Flags().Bool("save", false, "save the annotated output video")

	return cmd
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Session management commands",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionStatusCmd())
	cmd.AddCommand(newSessionStopCmd())

	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions known to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var list []sessionInfo
			if err := clientFromCmd(cmd).get(cmd.Context(), "/realtime/sessions", nil, &list); err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
				return nil
			}
			printSessionsTable(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func printSessionsTable(w io.Writer, list []sessionInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATE\tFRAMES\tDETECTIONS\tDURATION\tRELAYING")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%t\n",
			s.ID, s.Kind, s.State, frames(s.FramesProcessed, s.FramesTotal), s.DetectionsTotal,
			(time.Duration(s.DurationMs) * time.Millisecond).Round(time.Second), s.Relaying)
	}
	tw.Flush()
}

func frames(processed int, total *int) string {
	if total == nil {
		return strconv.Itoa(processed)
	}
	return fmt.Sprintf("%d/%d", processed, *total)
}

func newSessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session_id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s sessionInfo
			path := "/realtime/sessions/" + url.PathEscape(args[0])
			if err := clientFromCmd(cmd).get(cmd.Context(), path, nil, &s); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session:    %s\n", s.ID)
			fmt.Fprintf(out, "kind:       %s\n", s.Kind)
			fmt.Fprintf(out, "state:      %s\n", s.State)
			if s.FailureReason != "" {
				fmt.Fprintf(out, "reason:     %s\n", s.FailureReason)
			}
			fmt.Fprintf(out, "frames:     %s (%.1f%%)\n", frames(s.FramesProcessed, s.FramesTotal), s.Percent)
			fmt.Fprintf(out, "detections: %d\n", s.DetectionsTotal)
			fmt.Fprintf(out, "relaying:   %t\n", s.Relaying)
			return nil
		},
	}
}

func newSessionStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <session_id>",
		Short: "Stop a stream or camera session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			camera, _ := cmd.Flags().GetBool("camera")
			c := clientFromCmd(cmd)
			out := cmd.OutOrStdout()

			if !camera {
				var s sessionInfo
				body := map[string]any{"session_id": args[0]}
				if err := c.post(cmd.Context(), "/realtime/stream/stop", body, &s); err != nil {
					return err
				}
				fmt.Fprintf(out, "session %s %s, %d detections\n", s.ID, s.State, s.DetectionsTotal)
				return nil
			}

			save, _ := cmd.Flags().GetBool("save")
			var reply cameraStopReply
			body := map[string]any{"session_id": args[0], "save_result": save}
			if err := c.post(cmd.Context(), "/realtime/camera/stop", body, &reply); err != nil {
				return err
			}
			fmt.Fprintf(out, "session %s %s after %s\n", reply.SessionID, reply.State,
				time.Duration(reply.DurationMs)*time.Millisecond)
			if reply.Saved {
				fmt.Fprintln(out, "summary saved")
			} else {
				fmt.Fprintf(out, "not saved: %s\n", reply.Reason)
			}
			return nil
		},
	}

	cmd.Flags().Bool("camera", false, "stop a camera session")
	cmd.Flags().Bool("save", true, "persist the camera session summary")

	return cmd
}

func newRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List persisted session summaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if t, _ := cmd.Flags().GetString("type"); t != "" {
				q.Set("file_type", t)
			}

			var records []session.Summary
			if err := clientFromCmd(cmd).get(cmd.Context(), "/records", q, &records); err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No records found.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tFRAMES\tDETECTIONS\tENDED")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.SessionID, r.FileType, r.State, frames(r.FramesProcessed, r.FramesTotal),
					r.DetectionsTotal, r.EndedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().Int("limit", 0, "maximum records to list (server default when 0)")
	cmd.Flags().String("type", "", "only list records of this file type")

	return cmd
}
