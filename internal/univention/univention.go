// Package univention drives the univention-app command line tool: it probes
// the app catalog and runs install, remove, upgrade and stall actions.
package univention

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/manchtools/power-manage/ucs-apps/internal/catalog"
)

// DefaultToolPath is the univention-app binary looked up in PATH.
const DefaultToolPath = "univention-app"

// ActionKind is a corrective action understood by univention-app.
type ActionKind string

const (
	ActionInstall   ActionKind = "install"
	ActionRemove    ActionKind = "remove"
	ActionUpgrade   ActionKind = "upgrade"
	ActionStall     ActionKind = "stall"
	ActionUndoStall ActionKind = "undo-stall"
)

// Auth carries the account an action runs as. The password itself is only
// ever handed over as a file path.
type Auth struct {
	Username     string
	PasswordFile string
}

// Tool is the capability set the reconciler needs from univention-app.
// Run reports a non-zero exit status through Output.ExitCode; its error is
// reserved for failures to run the tool at all.
type Tool interface {
	ListApps(ctx context.Context) ([]string, error)
	Info(ctx context.Context) (*Info, error)
	Run(ctx context.Context, kind ActionKind, name string, auth Auth) (*Output, error)
}

// CLI implements Tool by executing univention-app.
type CLI struct {
	path   string
	logger *slog.Logger
}

// NewCLI returns a CLI for the binary at path (DefaultToolPath when empty).
func NewCLI(path string, logger *slog.Logger) *CLI {
	if path == "" {
		path = DefaultToolPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{path: path, logger: logger}
}

// ListApps returns all app identifiers known on this host.
func (c *CLI) ListApps(ctx context.Context) ([]string, error) {
	output, err := runCommand(exec.CommandContext(ctx, c.path, "list", "--ids-only"))
	if err != nil {
		return nil, fmt.Errorf("univention-app list: %s", formatCmdError(err, output))
	}
	return parseAppList(output.Stdout), nil
}

// Info returns the installed and upgradable app identifiers.
func (c *CLI) Info(ctx context.Context) (*Info, error) {
	output, err := runCommand(exec.CommandContext(ctx, c.path, "info", "--as-json"))
	if err != nil {
		return nil, fmt.Errorf("univention-app info: %s", formatCmdError(err, output))
	}
	return parseInfo([]byte(output.Stdout))
}

// Run executes one corrective action. Tool output is streamed to the debug log.
func (c *CLI) Run(ctx context.Context, kind ActionKind, name string, auth Auth) (*Output, error) {
	args, err := ActionArgs(kind, name, auth)
	if err != nil {
		return nil, err
	}

	c.logger.Info("running univention-app", "action", string(kind), "app", name, "args", args)

	output, err := runCommandStreaming(ctx, c.path, args, func(streamType int, line string) {
		stream := "stdout"
		if streamType == 2 {
			stream = "stderr"
		}
		c.logger.Debug("univention-app output", "app", name, "stream", stream, "line", line)
	})
	if err = exitStatusOnly(err); err != nil {
		return output, fmt.Errorf("univention-app %s: %w", kind, err)
	}

	c.logger.Info("univention-app finished", "action", string(kind), "app", name, "exit_code", output.ExitCode)
	return output, nil
}

// ActionArgs builds the univention-app argument list for an action. The
// password is referenced by file only.
func ActionArgs(kind ActionKind, name string, auth Auth) ([]string, error) {
	if name == "" {
		return nil, fmt.Errorf("app name is required")
	}

	switch kind {
	case ActionInstall, ActionRemove, ActionUpgrade:
		if auth.Username == "" || auth.PasswordFile == "" {
			return nil, fmt.Errorf("%s requires a username and password file", kind)
		}
		return []string{
			string(kind),
			"--noninteractive",
			"--username", auth.Username,
			"--pwdfile", auth.PasswordFile,
			name,
		}, nil
	case ActionStall:
		return []string{"stall", name}, nil
	case ActionUndoStall:
		return []string{"stall", name, "--undo"}, nil
	default:
		return nil, fmt.Errorf("unsupported action: %q", kind)
	}
}

// RequiresCredential reports whether the action needs a staged password.
func (k ActionKind) RequiresCredential() bool {
	switch k {
	case ActionInstall, ActionRemove, ActionUpgrade:
		return true
	default:
		return false
	}
}

// Probe captures the catalog snapshot for one run: the list of available apps
// followed by the installed/upgradable info.
func Probe(ctx context.Context, tool Tool) (catalog.Snapshot, error) {
	available, err := tool.ListApps(ctx)
	if err != nil {
		return catalog.Snapshot{}, err
	}
	info, err := tool.Info(ctx)
	if err != nil {
		return catalog.Snapshot{}, err
	}
	return catalog.NewSnapshot(available, info.Installed, info.Upgradable), nil
}
