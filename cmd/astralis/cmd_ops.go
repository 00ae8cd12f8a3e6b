package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/astralisone/astralis-nextjs-sub001/internal/config"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
)

func init() {
	rootCmd.AddCommand(auditCmd, scheduleCmd, statsCmd)
	auditCmd.AddCommand(auditTailCmd)
	scheduleCmd.AddCommand(scheduleListCmd, scheduleCancelCmd)

	auditTailCmd.Flags().Int("limit", 20, "number of entries to show")
	auditTailCmd.Flags().String("entity", "", "only entries for <type>/<id>")
	rootCmd.PersistentFlags().String("addr", "", "daemon API address (default derived from http.listen)")
}

const timeLayout = "2006-01-02 15:04:05"

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		limit, _ := cmd.Flags().GetInt("limit")
		entity, _ := cmd.Flags().GetString("entity")
		log := state.NewAuditLog(cfg.DataDir)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		entries, err := log.Tail(ctx, limit)
		if entity != "" {
			et, id, ok := strings.Cut(entity, "/")
			if !ok {
				return fmt.Errorf("--entity must look like <type>/<id>")
			}
			entries, err = log.ForEntity(ctx, et, id)
		}
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stdout, "No audit entries.")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Time", "Entity", "Action", "By", "Correlation", "Reason"})
		for _, e := range entries {
			tw.AppendRow(table.Row{
				e.Timestamp.Local().Format(timeLayout),
				e.EntityType + "/" + e.EntityID,
				e.Action,
				string(e.PerformedBy.Type) + ":" + e.PerformedBy.ID,
				string(e.CorrelationID),
				e.Reason,
			})
		}
		tw.Render()
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect and cancel scheduled jobs",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending scheduled jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		jobs, err := state.NewScheduleStore(filepath.Join(cfg.DataDir, "schedules.json")).List()
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stdout, "No scheduled jobs.")
			return nil
		}
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"ID", "Kind", "Run At", "Org", "Correlation"})
		for _, j := range jobs {
			tw.AppendRow(table.Row{j.ID, j.Kind, j.RunAt.Local().Format(timeLayout), j.OrgID, j.CorrelationID})
		}
		tw.Render()
		return nil
	},
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a scheduled job on the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := callAPI(cmd, http.MethodDelete, "/api/schedules/"+args[0], nil); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Cancelled %s.\n", args[0])
		return nil
	},
}

type statsView struct {
	Executions *struct {
		Total         int            `json:"total"`
		ByStatus      map[string]int `json:"by_status"`
		AvgDurationMs float64        `json:"avg_duration_ms"`
	} `json:"executions"`
	Adapters []struct {
		Source   string `json:"source"`
		Received int    `json:"received"`
		Accepted int    `json:"accepted"`
		Filtered int    `json:"filtered"`
		Rejected int    `json:"rejected"`
		Failed   int    `json:"failed"`
	} `json:"adapters"`
	PendingApprovals int `json:"pending_approvals"`
	ScheduledJobs    int `json:"scheduled_jobs"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show runtime statistics from the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := callAPI(cmd, http.MethodGet, "/api/stats", nil)
		if err != nil {
			return err
		}
		var st statsView
		if err := json.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Inputs")
		tw.AppendHeader(table.Row{"Source", "Received", "Accepted", "Filtered", "Rejected", "Failed"})
		for _, a := range st.Adapters {
			tw.AppendRow(table.Row{a.Source, a.Received, a.Accepted, a.Filtered, a.Rejected, a.Failed})
		}
		tw.Render()

		if st.Executions != nil {
			ex := table.NewWriter()
			ex.SetOutputMirror(os.Stdout)
			ex.SetTitle("Executions")
			ex.AppendHeader(table.Row{"Status", "Count"})
			statuses := make([]string, 0, len(st.Executions.ByStatus))
			for s := range st.Executions.ByStatus {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				ex.AppendRow(table.Row{s, st.Executions.ByStatus[s]})
			}
			ex.AppendFooter(table.Row{"total", st.Executions.Total})
			ex.Render()
			fmt.Fprintf(os.Stdout, "Average duration: %.1f ms\n", st.Executions.AvgDurationMs)
		}
		fmt.Fprintf(os.Stdout, "Pending approvals: %d\nScheduled jobs: %d\n", st.PendingApprovals, st.ScheduledJobs)
		return nil
	},
}

// apiBase turns http.listen (e.g. ":8080") into a loopback URL.
func apiBase(cfg *config.Config, override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	listen := cfg.HTTP.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

func callAPI(cmd *cobra.Command, method, path string, body io.Reader) ([]byte, error) {
	cfg := loadConfig()
	addr, _ := cmd.Flags().GetString("addr")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, apiBase(cfg, addr)+path, body)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error.Message != "" {
			return nil, fmt.Errorf("%s: %s", e.Error.Code, e.Error.Message)
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return data, nil
}
