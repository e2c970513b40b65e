package main

import (
	"github.com/spf13/cobra"

	"github.com/manchtools/power-manage/ucs-apps/internal/platform"
	"github.com/manchtools/power-manage/ucs-apps/internal/reconciler"
	"github.com/manchtools/power-manage/ucs-apps/internal/univention"
)

type statusOutput struct {
	Name      string `json:"name"`
	Status    string `json:"status,omitempty"`
	Installed bool   `json:"installed"`
	Failed    bool   `json:"failed,omitempty"`
	Msg       string `json:"msg"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Show whether an app is installed or can be upgraded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := reconciler.New(
				univention.NewCLI(c.cfg.ToolPath, c.logger),
				reconciler.WithGuard(platform.NewGuard(c.cfg.OSReleasePath, c.logger)),
				reconciler.WithLogger(c.logger),
			)

			res := rec.Inspect(cmd.Context(), args[0])

			out := statusOutput{
				Name:   args[0],
				Failed: res.Failed(),
				Msg:    res.Msg,
			}
			if res.Classified() {
				out.Status = res.Status.String()
				out.Installed = res.Status.Installed()
			}
			if res.Failed() {
				out.ErrorKind = string(res.Kind())
				out.Error = res.Err.Error()
			}

			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if res.Failed() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}
