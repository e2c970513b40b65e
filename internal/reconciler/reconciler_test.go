package reconciler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manchtools/power-manage/ucs-apps/internal/catalog"
	"github.com/manchtools/power-manage/ucs-apps/internal/credentials"
	"github.com/manchtools/power-manage/ucs-apps/internal/secret"
	"github.com/manchtools/power-manage/ucs-apps/internal/univention"
)

const testPassword = "s3cr3t-Pa55"

// =============================================================================
// Fakes
// =============================================================================

type staticGuard bool

func (g staticGuard) IsSupportedHost() bool { return bool(g) }

type runCall struct {
	Kind         univention.ActionKind
	Name         string
	Username     string
	PasswordFile string
	Password     string
	FileMode     os.FileMode
}

// fakeTool is an in-memory univention-app. Successful actions update its
// state so repeated runs observe the result of earlier ones.
type fakeTool struct {
	mu sync.Mutex

	available  []string
	installed  []string
	upgradable []string

	listErr  error
	infoErr  error
	runErr   error
	exitCode int
	stderr   string

	probes int
	calls  []runCall
}

func (f *fakeTool) ListApps(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.available...), nil
}

func (f *fakeTool) Info(context.Context) (*univention.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return &univention.Info{
		Installed:  append([]string(nil), f.installed...),
		Upgradable: append([]string(nil), f.upgradable...),
	}, nil
}

func (f *fakeTool) Run(_ context.Context, kind univention.ActionKind, name string, auth univention.Auth) (*univention.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := runCall{Kind: kind, Name: name, Username: auth.Username, PasswordFile: auth.PasswordFile}
	if auth.PasswordFile != "" {
		if data, err := os.ReadFile(auth.PasswordFile); err == nil {
			call.Password = string(data)
		}
		if info, err := os.Stat(auth.PasswordFile); err == nil {
			call.FileMode = info.Mode().Perm()
		}
	}
	f.calls = append(f.calls, call)

	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.exitCode != 0 {
		return &univention.Output{ExitCode: f.exitCode, Stderr: f.stderr}, nil
	}

	switch kind {
	case univention.ActionInstall:
		f.installed = append(f.installed, name)
	case univention.ActionRemove:
		f.installed = without(f.installed, name)
		f.upgradable = without(f.upgradable, name)
	case univention.ActionUpgrade:
		f.upgradable = without(f.upgradable, name)
	}
	return &univention.Output{Stdout: "ok\n"}, nil
}

func (f *fakeTool) runCalls() []runCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runCall(nil), f.calls...)
}

func without(list []string, name string) []string {
	var out []string
	for _, s := range list {
		if s != name {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	tool    *fakeTool
	rec     *Reconciler
	staging string
	logs    *bytes.Buffer
}

func newHarness(t *testing.T, tool *fakeTool, supported bool) *harness {
	t.Helper()
	staging := t.TempDir()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return &harness{
		tool:    tool,
		staging: staging,
		logs:    logs,
		rec: New(tool,
			WithGuard(staticGuard(supported)),
			WithStager(&credentials.Stager{BaseDir: staging}),
			WithLogger(logger),
		),
	}
}

func params(t *testing.T, name string, state State) Params {
	t.Helper()
	pw, err := secret.NewFromString(testPassword)
	require.NoError(t, err)
	t.Cleanup(func() { pw.Close() })
	return Params{Name: name, State: state, Username: "Administrator", Password: pw}
}

func (h *harness) assertNoStagedFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.staging)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged password left behind")
}

func (h *harness) assertSecretNotLogged(t *testing.T) {
	t.Helper()
	assert.NotContains(t, h.logs.String(), testPassword)
}

// =============================================================================
// Scenarios
// =============================================================================

func TestRun_InstallsAbsentApp(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress", "nextcloud"}}
	h := newHarness(t, tool, true)

	res := h.rec.Run(context.Background(), params(t, "wordpress", StatePresent))

	require.False(t, res.Failed(), "unexpected error: %v", res.Err)
	assert.True(t, res.Changed)
	assert.Equal(t, "App wordpress successfully installed.", res.Msg)
	assert.Equal(t, univention.ActionInstall, res.Action)
	assert.Equal(t, catalog.StatusAbsent, res.Status)

	calls := tool.runCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, univention.ActionInstall, calls[0].Kind)
	assert.Equal(t, "wordpress", calls[0].Name)
	assert.Equal(t, "Administrator", calls[0].Username)
	assert.Equal(t, testPassword, calls[0].Password)
	assert.Equal(t, os.FileMode(0600), calls[0].FileMode)
	assert.True(t, filepath.IsAbs(calls[0].PasswordFile))

	h.assertNoStagedFiles(t)
	h.assertSecretNotLogged(t)
}

func TestRun_AlreadyInstalled(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress"}, installed: []string{"wordpress"}}
	h := newHarness(t, tool, true)

	res := h.rec.Run(context.Background(), params(t, "wordpress", StatePresent))

	require.False(t, res.Failed())
	assert.False(t, res.Changed)
	assert.Equal(t, "App wordpress already installed. No change.", res.Msg)
	assert.Empty(t, tool.runCalls())
}

func TestRun_UpgradesWhenRequested(t *testing.T) {
	tool := &fakeTool{
		available:  []string{"nextcloud"},
		installed:  []string{"nextcloud"},
		upgradable: []string{"nextcloud"},
	}
	h := newHarness(t, tool, true)

	p := params(t, "nextcloud", StatePresent)
	p.Upgrade = true
	res := h.rec.Run(context.Background(), p)

	require.False(t, res.Failed(), "unexpected error: %v", res.Err)
	assert.True(t, res.Changed)
	assert.Equal(t, "App nextcloud successfully upgraded.", res.Msg)

	calls := tool.runCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, univention.ActionUpgrade, calls[0].Kind)
	h.assertNoStagedFiles(t)
}

func TestRun_UpgradableWithoutUpgradeFlag(t *testing.T) {
	tool := &fakeTool{
		available:  []string{"nextcloud"},
		installed:  []string{"nextcloud"},
		upgradable: []string{"nextcloud"},
	}
	h := newHarness(t, tool, true)

	res := h.rec.Run(context.Background(), params(t, "nextcloud", StatePresent))

	require.False(t, res.Failed())
	assert.False(t, res.Changed)
	assert.Equal(t, catalog.StatusPresentUpgradable, res.Status)
	assert.Empty(t, tool.runCalls())
}

func TestRun_RemovesInstalledApp(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress"}, installed: []string{"wordpress"}}
	h := newHarness(t, tool, true)

	res := h.rec.Run(context.Background(), params(t, "wordpress", StateAbsent))

	require.False(t, res.Failed(), "unexpected error: %v", res.Err)
	assert.True(t, res.Changed)
	assert.Equal(t, "App wordpress successfully removed.", res.Msg)

	calls := tool.runCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, univention.ActionRemove, calls[0].Kind)
	h.assertNoStagedFiles(t)
}

func TestRun_AbsentAndNotInstalled(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress"}}
	h := newHarness(t, tool, true)

	res := h.rec.Run(context.Background(), params(t, "wordpress", StateAbsent))

	require.False(t, res.Failed())
	assert.False(t, res.Changed)
	assert.Equal(t, "App wordpress not installed. No change.", res.Msg)
	assert.Empty(t, tool.runCalls())
}

func TestRun_UnknownAppListsAvailable(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress", "nextcloud"}}
	h := newHarness(t, tool, true)

	res := h.rec.Run(context.Background(), params(t, "owncloud", StatePresent))

	require.True(t, res.Failed())
	assert.Equal(t, KindUnknownApp, res.Kind())
	assert.False(t, res.Changed)
	assert.Contains(t, res.Msg, "App owncloud does not exist")
	assert.Contains(t, res.Msg, "nextcloud, wordpress")
	assert.Empty(t, tool.runCalls())
	h.assertNoStagedFiles(t)
}

func TestRun_UnknownAppEmptyCatalog(t *testing.T) {
	h := newHarness(t, &fakeTool{}, true)

	res := h.rec.Run(context.Background(), params(t, "wordpress", StateAbsent))

	assert.Equal(t, KindUnknownApp, res.Kind())
	assert.Contains(t, res.Msg, "(none)")
}

func TestRun_ExactMatchOnly(t *testing.T) {
	// "word" is a prefix of an installed app but not an app itself.
	tool := &fakeTool{available: []string{"wordpress"}, installed: []string{"wordpress"}}
	h := newHarness(t, tool, true)

	res := h.rec.Run(context.Background(), params(t, "word", StateAbsent))

	assert.Equal(t, KindUnknownApp, res.Kind())
	assert.Empty(t, tool.runCalls())
}

func TestRun_UnsupportedHost(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress"}}
	h := newHarness(t, tool, false)

	res := h.rec.Run(context.Background(), params(t, "wordpress", StatePresent))

	assert.False(t, res.Failed())
	assert.False(t, res.Changed)
	assert.True(t, res.Skipped)
	assert.Equal(t, KindUnsupportedHost, res.Kind())
	assert.Equal(t, MsgUnsupportedHost, res.Msg)
	assert.Zero(t, tool.probes, "tool must not be probed on unsupported hosts")
	assert.Empty(t, tool.runCalls())
}

func TestRun_UnsupportedHostIgnoresInvalidParams(t *testing.T) {
	h := newHarness(t, &fakeTool{}, false)

	res := h.rec.Run(context.Background(), Params{})

	assert.False(t, res.Failed())
	assert.True(t, res.Skipped)
}

// =============================================================================
// Failures
// =============================================================================

func TestRun_InvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		want   string
	}{
		{"missing name", func(p *Params) { p.Name = "" }, "name is required"},
		{"option-like name", func(p *Params) { p.Name = "--purge" }, "name must be a valid app identifier"},
		{"bad state", func(p *Params) { p.State = "latest" }, "state must be one of"},
		{"bad stall", func(p *Params) { p.Stall = "maybe" }, "stall must be one of"},
		{"missing username", func(p *Params) { p.Username = "" }, "username is required"},
		{"missing password", func(p *Params) { p.Password = nil }, "password is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &fakeTool{available: []string{"wordpress"}}
			h := newHarness(t, tool, true)

			p := params(t, "wordpress", StatePresent)
			tt.mutate(&p)
			res := h.rec.Run(context.Background(), p)

			require.True(t, res.Failed())
			assert.Equal(t, KindInvalidParams, res.Kind())
			assert.Contains(t, res.Err.Error(), tt.want)
			assert.Zero(t, tool.probes)
		})
	}
}

func TestRun_ProbeErrors(t *testing.T) {
	for name, tool := range map[string]*fakeTool{
		"list": {listErr: errors.New("exit status 2")},
		"info": {available: []string{"wordpress"}, infoErr: errors.New("malformed info output")},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, tool, true)

			res := h.rec.Run(context.Background(), params(t, "wordpress", StatePresent))

			require.True(t, res.Failed())
			assert.Equal(t, KindProbe, res.Kind())
			assert.False(t, res.Changed)
			assert.Empty(t, tool.runCalls())
			h.assertNoStagedFiles(t)
		})
	}
}

func TestRun_InstalledButNotAvailable(t *testing.T) {
	tool := &fakeTool{available: []string{"nextcloud"}, installed: []string{"wordpress"}}
	h := newHarness(t, tool, true)

	res := h.rec.Run(context.Background(), params(t, "wordpress", StateAbsent))

	require.True(t, res.Failed())
	assert.Equal(t, KindConsistency, res.Kind())
	var cerr *catalog.ConsistencyError
	assert.ErrorAs(t, res.Err, &cerr)
	assert.Empty(t, tool.runCalls())
}

func TestRun_ActionNonZeroExit(t *testing.T) {
	tool := &fakeTool{
		available: []string{"wordpress"},
		exitCode:  1,
		stderr:    "Failed to install wordpress: unknown repository\n",
	}
	h := newHarness(t, tool, true)

	res := h.rec.Run(context.Background(), params(t, "wordpress", StatePresent))

	require.True(t, res.Failed())
	assert.Equal(t, KindActionFailure, res.Kind())
	assert.False(t, res.Changed)
	assert.Equal(t, "an error occurred while installing wordpress", res.Msg)
	assert.Contains(t, res.Err.Error(), "exited with code 1")
	assert.Contains(t, res.Err.Error(), "unknown repository")
	require.NotNil(t, res.Output)
	assert.Equal(t, 1, res.Output.ExitCode)

	h.assertNoStagedFiles(t)
	h.assertSecretNotLogged(t)
}

func TestRun_ActionCouldNotStart(t *testing.T) {
	tool := &fakeTool{
		available: []string{"wordpress"},
		installed: []string{"wordpress"},
		runErr:    errors.New(`exec: "univention-app": executable file not found in $PATH`),
	}
	h := newHarness(t, tool, true)

	res := h.rec.Run(context.Background(), params(t, "wordpress", StateAbsent))

	require.True(t, res.Failed())
	assert.Equal(t, KindActionFailure, res.Kind())
	assert.Equal(t, "an error occurred while uninstalling wordpress", res.Msg)
	assert.Len(t, tool.runCalls(), 1)
	h.assertNoStagedFiles(t)
}

func TestRun_StagingFailure(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress"}}
	h := newHarness(t, tool, true)
	h.rec.stager = &credentials.Stager{BaseDir: filepath.Join(t.TempDir(), "missing")}

	res := h.rec.Run(context.Background(), params(t, "wordpress", StatePresent))

	require.True(t, res.Failed())
	assert.Equal(t, KindCredential, res.Kind())
	assert.False(t, res.Changed)
	assert.Empty(t, tool.runCalls(), "action must not run without a staged password")
}

// =============================================================================
// Stall, check mode and idempotence
// =============================================================================

func TestRun_Stall(t *testing.T) {
	tests := []struct {
		stall Stall
		want  univention.ActionKind
		msg   string
	}{
		{StallYes, univention.ActionStall, "App wordpress successfully stalled."},
		{StallNo, univention.ActionUndoStall, "App wordpress successfully unstalled."},
	}

	for _, tt := range tests {
		t.Run(string(tt.stall), func(t *testing.T) {
			tool := &fakeTool{available: []string{"wordpress"}, installed: []string{"wordpress"}}
			h := newHarness(t, tool, true)

			p := params(t, "wordpress", StatePresent)
			p.Stall = tt.stall
			res := h.rec.Run(context.Background(), p)

			require.False(t, res.Failed(), "unexpected error: %v", res.Err)
			assert.True(t, res.Changed)
			assert.Equal(t, tt.msg, res.Msg)

			calls := tool.runCalls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.want, calls[0].Kind)
			assert.Empty(t, calls[0].PasswordFile, "stall does not need the password")
		})
	}
}

func TestRun_StallIgnoredWhenInstalling(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress"}}
	h := newHarness(t, tool, true)

	p := params(t, "wordpress", StatePresent)
	p.Stall = StallYes
	res := h.rec.Run(context.Background(), p)

	require.False(t, res.Failed())
	calls := tool.runCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, univention.ActionInstall, calls[0].Kind)
}

func TestRun_CheckMode(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress"}, installed: []string{"wordpress"}}
	h := newHarness(t, tool, true)

	p := params(t, "wordpress", StateAbsent)
	p.Check = true
	res := h.rec.Run(context.Background(), p)

	require.False(t, res.Failed())
	assert.True(t, res.Changed)
	assert.Equal(t, univention.ActionRemove, res.Action)
	assert.Equal(t, "App wordpress would be removed.", res.Msg)
	assert.Empty(t, tool.runCalls())
	h.assertNoStagedFiles(t)
}

func TestRun_Idempotent(t *testing.T) {
	for _, state := range []State{StatePresent, StateAbsent} {
		t.Run(string(state), func(t *testing.T) {
			tool := &fakeTool{available: []string{"wordpress"}}
			if state == StateAbsent {
				tool.installed = []string{"wordpress"}
			}
			h := newHarness(t, tool, true)

			first := h.rec.Run(context.Background(), params(t, "wordpress", state))
			require.False(t, first.Failed(), "unexpected error: %v", first.Err)
			assert.True(t, first.Changed)

			second := h.rec.Run(context.Background(), params(t, "wordpress", state))
			require.False(t, second.Failed())
			assert.False(t, second.Changed)
			assert.Len(t, tool.runCalls(), 1)
		})
	}
}

func TestRun_AtMostOneAction(t *testing.T) {
	tool := &fakeTool{
		available:  []string{"nextcloud"},
		installed:  []string{"nextcloud"},
		upgradable: []string{"nextcloud"},
	}
	h := newHarness(t, tool, true)

	p := params(t, "nextcloud", StatePresent)
	p.Upgrade = true
	p.Stall = StallYes
	res := h.rec.Run(context.Background(), p)

	require.False(t, res.Failed())
	calls := tool.runCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, univention.ActionUpgrade, calls[0].Kind)
}

func TestFailureDetail_KeepsTail(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 50; i++ {
		buf.WriteString("line\n")
	}
	buf.WriteString("final error")

	err := failureDetail(&univention.Output{ExitCode: 4, Stderr: buf.String()})

	assert.Contains(t, err.Error(), "exited with code 4")
	assert.Contains(t, err.Error(), "final error")
	assert.Less(t, len(err.Error()), 200)
}

// =============================================================================
// Inspect
// =============================================================================

func TestInspect(t *testing.T) {
	tool := &fakeTool{
		available:  []string{"nextcloud", "wordpress", "owncloud"},
		installed:  []string{"nextcloud", "wordpress"},
		upgradable: []string{"nextcloud"},
	}
	h := newHarness(t, tool, true)

	tests := []struct {
		name   string
		status catalog.Status
		msg    string
	}{
		{"owncloud", catalog.StatusAbsent, "App owncloud is not installed."},
		{"wordpress", catalog.StatusPresentCurrent, "App wordpress is installed and up to date."},
		{"nextcloud", catalog.StatusPresentUpgradable, "App nextcloud is installed and can be upgraded."},
	}
	for _, tt := range tests {
		res := h.rec.Inspect(context.Background(), tt.name)
		require.False(t, res.Failed(), "unexpected error: %v", res.Err)
		assert.Equal(t, tt.status, res.Status)
		assert.Equal(t, tt.msg, res.Msg)
		assert.False(t, res.Changed)
	}
	assert.Empty(t, tool.runCalls())
}

func TestInspect_Failures(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress"}}
	h := newHarness(t, tool, true)

	assert.Equal(t, KindUnknownApp, h.rec.Inspect(context.Background(), "owncloud").Kind())
	assert.Equal(t, KindInvalidParams, h.rec.Inspect(context.Background(), "-x").Kind())

	tool.listErr = errors.New("exit status 1")
	assert.Equal(t, KindProbe, h.rec.Inspect(context.Background(), "wordpress").Kind())
}

func TestInspect_UnsupportedHost(t *testing.T) {
	tool := &fakeTool{available: []string{"wordpress"}}
	h := newHarness(t, tool, false)

	res := h.rec.Inspect(context.Background(), "wordpress")
	assert.True(t, res.Skipped)
	assert.Zero(t, tool.probes)
}
