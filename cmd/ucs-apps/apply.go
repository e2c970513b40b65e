package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/manchtools/power-manage/ucs-apps/internal/credentials"
	"github.com/manchtools/power-manage/ucs-apps/internal/metrics"
	"github.com/manchtools/power-manage/ucs-apps/internal/platform"
	"github.com/manchtools/power-manage/ucs-apps/internal/reconciler"
	"github.com/manchtools/power-manage/ucs-apps/internal/secret"
	"github.com/manchtools/power-manage/ucs-apps/internal/store"
	"github.com/manchtools/power-manage/ucs-apps/internal/univention"
)

type applyOptions struct {
	name            string
	state           string
	upgrade         bool
	stall           string
	username        string
	passwordFile    string
	paramsFile      string
	check           bool
	noJournal       bool
	metricsTextfile string
	stagingDir      string
	timeout         time.Duration
}

// moduleParams is the parameter document handed over by an orchestration
// tool. JSON documents are read the same way.
type moduleParams struct {
	Name         string `yaml:"name"`
	App          string `yaml:"app"`
	State        string `yaml:"state"`
	Upgrade      bool   `yaml:"upgrade"`
	Stall        string `yaml:"stall"`
	AuthUsername string `yaml:"auth_username"`
	AuthPassword string `yaml:"auth_password"`
}

// applyOutput is the JSON document written to stdout.
type applyOutput struct {
	Changed   bool   `json:"changed"`
	Failed    bool   `json:"failed,omitempty"`
	Msg       string `json:"msg"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    string `json:"status,omitempty"`
	Action    string `json:"action,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

func newApplyCmd(c *cli) *cobra.Command {
	opts := &applyOptions{}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Bring an app to the desired state",
		Long: `Bring an app to the desired state with at most one univention-app action.

The password of the account is read, in this order, from --password-file
(use - for stdin), the UCS_APPS_AUTH_PASSWORD environment variable, the
auth_password key of the --params file or the credentials stored with
'ucs-apps login'. It is handed to univention-app as a temporary file only.

The result is written to stdout as JSON:
  {"changed": true, "msg": "App wordpress successfully installed."}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runApply(cmd, opts)
		},
	}

	bindApplyFlags(cmd.Flags(), opts)
	return cmd
}

func bindApplyFlags(f *pflag.FlagSet, opts *applyOptions) {
	f.StringVar(&opts.name, "name", "", "app identifier, e.g. wordpress")
	f.StringVar(&opts.state, "state", string(reconciler.StatePresent), "desired state: present or absent")
	f.BoolVar(&opts.upgrade, "upgrade", false, "upgrade the app when an update is available")
	f.StringVar(&opts.stall, "stall", "", "stall (yes) or unstall (no) an installed app")
	f.StringVar(&opts.username, "username", "", "account univention-app actions run as")
	f.StringVar(&opts.passwordFile, "password-file", "", "file holding the account password, - for stdin")
	f.StringVar(&opts.paramsFile, "params", "", "YAML or JSON parameter file (name, state, upgrade, stall, auth_username, auth_password)")
	f.BoolVar(&opts.check, "check", false, "report the change that would be made without making it")
	f.BoolVar(&opts.noJournal, "no-journal", false, "do not record the run in the journal")
	f.StringVar(&opts.metricsTextfile, "metrics-textfile", "", "write last-run metrics to this node exporter textfile (env UCS_APPS_METRICS_TEXTFILE)")
	f.StringVar(&opts.stagingDir, "staging-dir", "", "directory for the temporary password file (env UCS_APPS_STAGING_DIR)")
	f.DurationVar(&opts.timeout, "timeout", 0, "abort the run after this long, 0 for no limit (env UCS_APPS_TIMEOUT)")
}

func (c *cli) runApply(cmd *cobra.Command, opts *applyOptions) error {
	out := cmd.OutOrStdout()
	flags := cmd.Flags()

	if !flags.Changed("metrics-textfile") {
		opts.metricsTextfile = c.cfg.MetricsTextfile
	}
	if !flags.Changed("staging-dir") {
		opts.stagingDir = c.cfg.StagingDir
	}
	if !flags.Changed("timeout") {
		opts.timeout = c.cfg.Timeout
	}

	var file moduleParams
	if opts.paramsFile != "" {
		loaded, err := loadParamsFile(opts.paramsFile)
		if err != nil {
			return writeFailure(out, reconciler.KindInvalidParams, "invalid parameter file", err)
		}
		file = *loaded
	}
	params := mergeParams(file, opts, flags.Changed)

	password, username, err := c.resolvePassword(opts.passwordFile, params.Username, file.AuthPassword)
	file.AuthPassword = ""
	if err != nil {
		return writeFailure(out, reconciler.KindCredential, "unable to read the password", err)
	}
	if password != nil {
		defer password.Close()
	}
	params.Username = username
	params.Password = password

	ctx := cmd.Context()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	rec := reconciler.New(
		univention.NewCLI(c.cfg.ToolPath, c.logger),
		reconciler.WithGuard(platform.NewGuard(c.cfg.OSReleasePath, c.logger)),
		reconciler.WithStager(&credentials.Stager{BaseDir: opts.stagingDir}),
		reconciler.WithLogger(c.logger),
	)

	started := time.Now()
	res := rec.Run(ctx, params)

	runID := ""
	if c.cfg.Journal && !opts.noJournal && !res.Skipped {
		runID = c.journal(params, res, started)
	}
	if opts.metricsTextfile != "" && !res.Skipped {
		c.writeMetrics(opts.metricsTextfile, params.Name, res)
	}

	result := newApplyOutput(res)
	result.RunID = runID
	if err := writeJSON(out, result); err != nil {
		return err
	}
	if res.Failed() {
		return &exitError{code: 1}
	}
	return nil
}

// mergeParams layers command line flags over the parameter file.
func mergeParams(file moduleParams, opts *applyOptions, changed func(string) bool) reconciler.Params {
	name := file.Name
	if name == "" {
		name = file.App
	}

	p := reconciler.Params{
		Name:     name,
		State:    reconciler.State(file.State),
		Upgrade:  file.Upgrade,
		Stall:    parseStall(file.Stall),
		Username: file.AuthUsername,
		Check:    opts.check,
	}

	if changed("name") || p.Name == "" {
		p.Name = opts.name
	}
	if changed("state") || p.State == "" {
		p.State = reconciler.State(opts.state)
	}
	if changed("upgrade") {
		p.Upgrade = opts.upgrade
	}
	if changed("stall") {
		p.Stall = parseStall(opts.stall)
	}
	if changed("username") {
		p.Username = opts.username
	}
	return p
}

// parseStall accepts the boolean spellings YAML producers tend to emit.
// Anything else is passed through for validation to reject.
func parseStall(s string) reconciler.Stall {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return reconciler.StallUnset
	case "yes", "true":
		return reconciler.StallYes
	case "no", "false":
		return reconciler.StallNo
	default:
		return reconciler.Stall(s)
	}
}

func loadParamsFile(path string) (*moduleParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read params file: %w", err)
	}
	defer secret.Zero(data)

	var p moduleParams
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse params file: %w", err)
	}
	return &p, nil
}

// resolvePassword returns the password and the username it belongs to. A nil
// buffer without error means no source provided one.
func (c *cli) resolvePassword(passwordFile, username, filePassword string) (*secret.Buffer, string, error) {
	envPassword := c.cfg.AuthPassword
	c.cfg.AuthPassword = ""

	switch {
	case passwordFile == "-":
		pw, err := secret.Read(c.stdin)
		return pw, username, err

	case passwordFile != "":
		f, err := os.Open(passwordFile)
		if err != nil {
			return nil, username, fmt.Errorf("open password file: %w", err)
		}
		defer f.Close()
		pw, err := secret.Read(f)
		return pw, username, err

	case envPassword != "":
		pw, err := secret.NewFromString(envPassword)
		return pw, username, err

	case filePassword != "":
		pw, err := secret.NewFromString(filePassword)
		return pw, username, err
	}

	credStore := credentials.NewStore(c.cfg.DataDir)
	if !credStore.Exists() {
		return nil, username, nil
	}

	storedUser, pw, err := credStore.Load()
	if err != nil {
		return nil, username, fmt.Errorf("load stored credentials: %w", err)
	}
	if username != "" && username != storedUser {
		pw.Close()
		c.logger.Warn("stored credentials belong to a different user, ignoring them",
			"username", username,
			"stored_username", storedUser,
		)
		return nil, username, nil
	}
	c.logger.Debug("using stored credentials", "username", storedUser)
	return pw, storedUser, nil
}

// journal records the run. Journal failures are logged, never fatal.
func (c *cli) journal(p reconciler.Params, res *reconciler.Result, started time.Time) string {
	js, err := store.New(c.cfg.DataDir)
	if err != nil {
		c.logger.Warn("run journal unavailable", "error", err)
		return ""
	}
	defer js.Close()

	run := &store.Run{
		App:        p.Name,
		State:      string(p.State),
		Upgrade:    p.Upgrade,
		Stall:      string(p.Stall),
		Check:      p.Check,
		Action:     string(res.Action),
		Changed:    res.Changed,
		Failed:     res.Failed(),
		Msg:        res.Msg,
		ErrorKind:  string(res.Kind()),
		StartedAt:  started,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Classified() {
		run.Status = res.Status.String()
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	if res.Output != nil {
		run.Output = &store.Output{
			ExitCode: res.Output.ExitCode,
			Stdout:   res.Output.Stdout,
			Stderr:   res.Output.Stderr,
		}
	}

	id, err := js.RecordRun(run)
	if err != nil {
		c.logger.Warn("failed to record run", "error", err)
		return ""
	}
	if removed, err := js.CleanupOldRuns(c.cfg.JournalRetention); err != nil {
		c.logger.Warn("failed to clean up old runs", "error", err)
	} else if removed > 0 {
		c.logger.Debug("removed old runs from journal", "count", removed)
	}
	return id
}

func (c *cli) writeMetrics(path, app string, res *reconciler.Result) {
	m := metrics.New()
	m.Observe(metrics.Run{
		App:       app,
		Action:    string(res.Action),
		ErrorKind: string(res.Kind()),
		Changed:   res.Changed,
		Success:   !res.Failed(),
		Duration:  res.Duration,
	})
	if err := m.WriteTextfile(path); err != nil {
		c.logger.Warn("failed to write metrics", "path", path, "error", err)
	}
}

func newApplyOutput(res *reconciler.Result) applyOutput {
	out := applyOutput{
		Changed: res.Changed,
		Failed:  res.Failed(),
		Msg:     res.Msg,
		Action:  string(res.Action),
	}
	if res.Classified() {
		out.Status = res.Status.String()
	}
	if res.Failed() {
		out.ErrorKind = string(res.Kind())
		out.Error = res.Err.Error()
	}
	return out
}

// writeFailure reports a failure that happened before reconciliation started.
func writeFailure(w io.Writer, kind reconciler.Kind, msg string, err error) error {
	slog.Error(msg, "kind", string(kind), "error", err)
	if werr := writeJSON(w, applyOutput{
		Failed:    true,
		Msg:       msg,
		ErrorKind: string(kind),
		Error:     err.Error(),
	}); werr != nil {
		return werr
	}
	return &exitError{code: 1}
}

func writeJSON(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
