package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/manchtools/power-manage/ucs-apps/internal/store"
	"github.com/manchtools/power-manage/ucs-apps/internal/validate"
)

// historyRun is the JSON form of a journaled run.
type historyRun struct {
	ID         string        `json:"id"`
	App        string        `json:"app"`
	State      string        `json:"state"`
	Upgrade    bool          `json:"upgrade"`
	Stall      string        `json:"stall,omitempty"`
	Check      bool          `json:"check,omitempty"`
	Status     string        `json:"status,omitempty"`
	Action     string        `json:"action,omitempty"`
	Changed    bool          `json:"changed"`
	Failed     bool          `json:"failed,omitempty"`
	Msg        string        `json:"msg"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Output     *store.Output `json:"output,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	DurationMs int64         `json:"duration_ms"`
}

func newHistoryCmd(c *cli) *cobra.Command {
	var (
		app    string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app != "" {
				if err := validate.Var("app", app, "appid"); err != nil {
					return err
				}
			}
			if err := validate.Var("limit", limit, "gte=0,lte=10000"); err != nil {
				return err
			}

			js, err := store.New(c.cfg.DataDir)
			if err != nil {
				return err
			}
			defer js.Close()

			runs, err := js.ListRuns(store.Filter{App: app, Limit: limit})
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			if asJSON {
				out := make([]historyRun, 0, len(runs))
				for _, r := range runs {
					out = append(out, toHistoryRun(r))
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			printRunsTable(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&app, "app", "", "only show runs for this app")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs, 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show one journaled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validate.Var("id", args[0], "required,ulid"); err != nil {
				return err
			}

			js, err := store.New(c.cfg.DataDir)
			if err != nil {
				return err
			}
			defer js.Close()

			run, err := js.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), toHistoryRun(run))
		},
	})

	return cmd
}

func toHistoryRun(r *store.Run) historyRun {
	return historyRun{
		ID:         r.ID,
		App:        r.App,
		State:      r.State,
		Upgrade:    r.Upgrade,
		Stall:      r.Stall,
		Check:      r.Check,
		Status:     r.Status,
		Action:     r.Action,
		Changed:    r.Changed,
		Failed:     r.Failed,
		Msg:        r.Msg,
		ErrorKind:  r.ErrorKind,
		Error:      r.Error,
		Output:     r.Output,
		StartedAt:  r.StartedAt,
		DurationMs: r.DurationMs,
	}
}

func printRunsTable(out io.Writer, runs []*store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	headers := []string{"ID", "STARTED", "APP", "ACTION", "CHANGED", "RESULT", "MSG"}
	fmt.Fprintln(w, strings.Join(headers, "\t"))

	for _, r := range runs {
		action := r.Action
		if action == "" {
			action = "-"
		}
		result := "ok"
		if r.Failed {
			result = r.ErrorKind
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			r.App,
			action,
			r.Changed,
			result,
			r.Msg,
		)
	}
	w.Flush()
}
