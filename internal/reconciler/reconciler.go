// Package reconciler brings one Univention app to its desired state: it
// probes univention-app, classifies the app, decides on at most one
// corrective action and runs it with a staged password.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manchtools/power-manage/ucs-apps/internal/catalog"
	"github.com/manchtools/power-manage/ucs-apps/internal/credentials"
	"github.com/manchtools/power-manage/ucs-apps/internal/platform"
	"github.com/manchtools/power-manage/ucs-apps/internal/secret"
	"github.com/manchtools/power-manage/ucs-apps/internal/univention"
	"github.com/manchtools/power-manage/ucs-apps/internal/validate"
)

// MsgUnsupportedHost is the result message on hosts that are not UCS.
const MsgUnsupportedHost = "Non-UCS-system detected. Nothing to do here."

// maxDetailLines bounds how much tool output ends up in a failure detail.
const maxDetailLines = 20

// HostGuard decides whether reconciliation may run on this host.
type HostGuard interface {
	IsSupportedHost() bool
}

// Params is the desired state for one run.
type Params struct {
	Name     string `validate:"required,appid"`
	State    State  `validate:"required,oneof=present absent"`
	Upgrade  bool
	Stall    Stall          `validate:"omitempty,oneof=yes no"`
	Username string         `validate:"required"`
	Password *secret.Buffer `validate:"required"`

	// Check computes the action without running it.
	Check bool
}

// Result is the outcome of one run. Err is a *Error when the run failed.
type Result struct {
	Changed  bool
	Msg      string
	Skipped  bool
	Status   catalog.Status
	Action   univention.ActionKind
	Output   *univention.Output
	Err      error
	Duration time.Duration
}

// Failed reports whether the run failed.
func (r *Result) Failed() bool { return r.Err != nil }

// Kind returns the failure kind, KindUnsupportedHost for skipped runs and
// KindNone on success.
func (r *Result) Kind() Kind {
	if r.Skipped {
		return KindUnsupportedHost
	}
	return KindOf(r.Err)
}

// Classified reports whether Status holds a classification.
func (r *Result) Classified() bool {
	if r.Skipped {
		return false
	}
	switch r.Kind() {
	case KindInvalidParams, KindProbe, KindConsistency:
		return false
	}
	return true
}

// Reconciler runs the probe, classify, decide, act loop once per Run.
type Reconciler struct {
	tool   univention.Tool
	guard  HostGuard
	stager *credentials.Stager
	logger *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithGuard replaces the os-release based host guard.
func WithGuard(g HostGuard) Option {
	return func(r *Reconciler) { r.guard = g }
}

// WithStager sets where staged passwords are written.
func WithStager(s *credentials.Stager) Option {
	return func(r *Reconciler) { r.stager = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler driving tool.
func New(tool univention.Tool, opts ...Option) *Reconciler {
	r := &Reconciler{
		tool:   tool,
		stager: &credentials.Stager{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.guard == nil {
		r.guard = platform.NewGuard("", r.logger)
	}
	return r
}

// Run reconciles the app described by p. It never returns nil.
func (r *Reconciler) Run(ctx context.Context, p Params) *Result {
	start := time.Now()

	r.logger.Info("reconciling app",
		"app", p.Name,
		"state", string(p.State),
		"upgrade", p.Upgrade,
		"stall", string(p.Stall),
		"check", p.Check,
	)

	result := r.run(ctx, p)
	result.Duration = time.Since(start)

	if result.Err != nil {
		r.logger.Error("reconciliation failed",
			"app", p.Name,
			"kind", string(result.Kind()),
			"error", result.Err,
		)
	} else {
		r.logger.Info("reconciliation finished",
			"app", p.Name,
			"changed", result.Changed,
			"action", string(result.Action),
			"duration_ms", result.Duration.Milliseconds(),
		)
	}
	return result
}

func (r *Reconciler) run(ctx context.Context, p Params) *Result {
	if !r.guard.IsSupportedHost() {
		return &Result{Skipped: true, Msg: MsgUnsupportedHost}
	}

	result := &Result{}

	if err := validate.Struct(p); err != nil {
		return result.fail(newError(KindInvalidParams, err, "invalid parameters"))
	}

	snap, err := univention.Probe(ctx, r.tool)
	if err != nil {
		return result.fail(newError(KindProbe, err, "unable to read the app status from univention-app"))
	}

	status, err := catalog.Classify(p.Name, snap)
	if err != nil {
		return result.fail(newError(KindConsistency, err, "an error occurred while getting the status of %s", p.Name))
	}
	result.Status = status
	r.logger.Debug("classified app", "app", p.Name, "status", status.String())

	action, err := Decide(status, p.State, p.Upgrade, p.Stall)
	if err != nil {
		if KindOf(err) == KindUnknownApp {
			return result.fail(newError(KindUnknownApp, nil,
				"App %s does not exist. Please choose from the following apps: %s",
				p.Name, formatAvailable(snap.Available())))
		}
		return result.fail(err)
	}

	if action == noAction {
		if status.Installed() {
			result.Msg = fmt.Sprintf("App %s already installed. No change.", p.Name)
		} else {
			result.Msg = fmt.Sprintf("App %s not installed. No change.", p.Name)
		}
		return result
	}

	result.Action = action
	if p.Check {
		result.Changed = true
		result.Msg = fmt.Sprintf("App %s would be %s.", p.Name, verbs[action].done)
		return result
	}

	output, err := r.execute(ctx, action, p)
	result.Output = output
	if err != nil {
		// A release failure after a successful action still changed the host.
		result.Changed = output.Success()
		return result.fail(err)
	}
	if !output.Success() {
		return result.fail(newError(KindActionFailure, failureDetail(output),
			"an error occurred while %s %s", verbs[action].doing, p.Name))
	}

	result.Changed = true
	result.Msg = fmt.Sprintf("App %s successfully %s.", p.Name, verbs[action].done)
	return result
}

// Inspect probes and classifies name without deciding or acting. It needs
// no credentials.
func (r *Reconciler) Inspect(ctx context.Context, name string) *Result {
	if !r.guard.IsSupportedHost() {
		return &Result{Skipped: true, Msg: MsgUnsupportedHost}
	}

	result := &Result{}
	if err := validate.Var("name", name, "required,appid"); err != nil {
		return result.fail(newError(KindInvalidParams, err, "invalid parameters"))
	}

	snap, err := univention.Probe(ctx, r.tool)
	if err != nil {
		return result.fail(newError(KindProbe, err, "unable to read the app status from univention-app"))
	}

	status, err := catalog.Classify(name, snap)
	if err != nil {
		return result.fail(newError(KindConsistency, err, "an error occurred while getting the status of %s", name))
	}
	result.Status = status

	switch status {
	case catalog.StatusNotFound:
		return result.fail(newError(KindUnknownApp, nil,
			"App %s does not exist. Please choose from the following apps: %s",
			name, formatAvailable(snap.Available())))
	case catalog.StatusAbsent:
		result.Msg = fmt.Sprintf("App %s is not installed.", name)
	case catalog.StatusPresentCurrent:
		result.Msg = fmt.Sprintf("App %s is installed and up to date.", name)
	case catalog.StatusPresentUpgradable:
		result.Msg = fmt.Sprintf("App %s is installed and can be upgraded.", name)
	}
	return result
}

// execute runs exactly one univention-app action. Actions that need the
// password get it staged for the duration of the call only.
func (r *Reconciler) execute(ctx context.Context, action univention.ActionKind, p Params) (*univention.Output, error) {
	if !action.RequiresCredential() {
		output, err := r.tool.Run(ctx, action, p.Name, univention.Auth{Username: p.Username})
		if err != nil {
			return output, newError(KindActionFailure, err, "an error occurred while %s %s", verbs[action].doing, p.Name)
		}
		return output, nil
	}

	var (
		output *univention.Output
		runErr error
		ran    bool
	)
	err := r.stager.WithStaged(p.Password, func(path string) error {
		ran = true
		output, runErr = r.tool.Run(ctx, action, p.Name, univention.Auth{
			Username:     p.Username,
			PasswordFile: path,
		})
		return runErr
	})

	switch {
	case !ran:
		return nil, newError(KindCredential, err, "unable to stage the password for %s", p.Name)
	case runErr != nil:
		return output, newError(KindActionFailure, runErr, "an error occurred while %s %s", verbs[action].doing, p.Name)
	case err != nil:
		return output, newError(KindCredential, err, "the staged password for %s could not be removed", p.Name)
	}
	return output, nil
}

func (r *Result) fail(err error) *Result {
	r.Err = err
	if rerr, ok := err.(*Error); ok {
		r.Msg = rerr.Msg
	} else {
		r.Msg = err.Error()
	}
	return r
}

type verb struct {
	doing string
	done  string
}

var verbs = map[univention.ActionKind]verb{
	univention.ActionInstall:   {"installing", "installed"},
	univention.ActionRemove:    {"uninstalling", "removed"},
	univention.ActionUpgrade:   {"upgrading", "upgraded"},
	univention.ActionStall:     {"stalling", "stalled"},
	univention.ActionUndoStall: {"undoing the stall of", "unstalled"},
}

func formatAvailable(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}

// failureDetail summarizes a non-zero exit for the error chain.
func failureDetail(output *univention.Output) error {
	text := strings.TrimSpace(output.Stderr)
	if text == "" {
		text = strings.TrimSpace(output.Stdout)
	}
	if text == "" {
		return fmt.Errorf("univention-app exited with code %d", output.ExitCode)
	}
	return fmt.Errorf("univention-app exited with code %d: %s", output.ExitCode, lastLines(text, maxDetailLines))
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
