package upgrade

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusio/nexus/updater/internal/hashstore"
	"github.com/nexusio/nexus/updater/internal/manifest"
	"github.com/nexusio/nexus/updater/internal/orchestrator"
	"github.com/nexusio/nexus/updater/internal/svcctl"
	"github.com/nexusio/nexus/updater/internal/svcctl/svcctltest"
	"github.com/nexusio/nexus/updater/internal/swap"
)

// fakeOrchestrator serves candidates from a plain directory
type fakeOrchestrator struct {
	root       string
	outcome    orchestrator.Outcome
	err        error
	initialErr error
	full       bool
	gate       manifest.InstallGate
	gateErr    error
	cleaned    int
}

func (f *fakeOrchestrator) RunUpdateCycle(context.Context) (orchestrator.Outcome, error) {
	return f.outcome, f.err
}

func (f *fakeOrchestrator) PerformInitialInstallation(context.Context) (bool, error) {
	return f.initialErr == nil, f.initialErr
}

func (f *fakeOrchestrator) NeedsFullReinstall() bool { return f.full }

func (f *fakeOrchestrator) CandidatePath(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(name))
}

func (f *fakeOrchestrator) LoadInstallGate() (manifest.InstallGate, error) { return f.gate, f.gateErr }

func (f *fakeOrchestrator) CleanExtractedFolder() error {
	f.cleaned++
	return os.RemoveAll(f.root)
}

var identity = Identity{CompanyID: "acme", Region: "Emea", SiteID: "s-17"}

type env struct {
	services []ManagedService
	orch     *fakeOrchestrator
	ctl      *svcctltest.Controller
	store    *hashstore.Store
	coord    *Coordinator
	initial  *InitialInstallCoordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	logger := log.NewEntry(log.StandardLogger())

	e := &env{
		services: DefaultServices(filepath.Join(dir, "install")),
		orch:     &fakeOrchestrator{root: filepath.Join(dir, "extracted", "bundle"), outcome: orchestrator.OutcomeApplied},
		ctl:      svcctltest.NewController(),
	}

	var err error
	e.store, err = hashstore.New(filepath.Join(dir, "extracted", "service_hashes.json"), logger)
	require.NoError(t, err)

	p := svcctl.PollPolicy{Attempts: 3}
	lc := svcctl.NewLifecycle(e.ctl, svcctl.Timings{Stop: p, StopRetry: p, Uninstall: p, Restart: p}, logger)
	swapper := swap.NewManager(lc, swap.Config{
		BackupDir:        filepath.Join(dir, "backup"),
		StartAttempts:    2,
		RollbackAttempts: 1,
	}, logger)
	reinstaller := NewReinstaller(lc, e.store, filepath.Join(dir, "backup"), logger)

	e.coord = NewCoordinator(e.services, identity, e.orch, e.store, swapper, reinstaller, nil, logger)
	e.initial = NewInitialInstallCoordinator(e.services, identity, e.orch, lc, reinstaller, logger)
	return e
}

func (e *env) agent() ManagedService    { return e.services[0] }
func (e *env) watchdog() ManagedService { return e.services[1] }

func (e *env) putCandidate(t *testing.T, s ManagedService, content string) {
	t.Helper()
	writeFile(t, e.orch.CandidatePath(s.CandidateName), content)
}

func (e *env) install(t *testing.T, s ManagedService, content string) {
	t.Helper()
	writeFile(t, s.TargetPath, content)
	e.ctl.Add(s.Name, svcctl.StatusRunning)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func actions(c *Cycle) map[string]Action {
	out := make(map[string]Action)
	for _, r := range c.Results {
		out[r.Service] = r.Action
	}
	return out
}

func TestGenerateServiceArguments(t *testing.T) {
	tests := []struct {
		name     string
		identity Identity
		want     []string
	}{
		{name: "all set", identity: identity, want: []string{"--companyid", "acme", "--region", "Emea", "--siteid", "s-17"}},
		{name: "no site", identity: Identity{CompanyID: "acme", Region: "Emea"}, want: []string{"--companyid", "acme", "--region", "Emea"}},
		{name: "region only", identity: Identity{Region: "Emea"}, want: []string{"--region", "Emea"}},
		{name: "empty", identity: Identity{}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GenerateServiceArguments(tt.identity))
		})
	}
}

func TestArgumentsFor_Watchdog(t *testing.T) {
	services := DefaultServices("/opt/nexus")
	assert.NotEmpty(t, ArgumentsFor(services[0], identity))
	assert.Nil(t, ArgumentsFor(services[1], identity))
}

func TestRunCycle_NoOp(t *testing.T) {
	e := newEnv(t)
	e.orch.outcome = orchestrator.OutcomeNoOp

	cycle, err := e.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, cycle.ID)
	assert.True(t, cycle.BundleFetched)
	assert.False(t, cycle.Extracted)
	assert.Empty(t, cycle.Results)
	assert.Empty(t, e.ctl.Calls())
}

func TestRunCycle_OrchestratorFailure(t *testing.T) {
	e := newEnv(t)
	e.orch.err = errors.New("no reachable bundle url")

	cycle, err := e.coord.RunCycle(context.Background())
	require.Error(t, err)
	assert.False(t, cycle.BundleFetched)
	assert.Empty(t, cycle.Results)
}

// restart-only bundle where only the agent changed
func TestRunCycle_RestartOnlySwapsChangedBinary(t *testing.T) {
	e := newEnv(t)
	e.install(t, e.agent(), "agent-v1")
	e.install(t, e.watchdog(), "watchdog-v1")
	e.putCandidate(t, e.agent(), "agent-v2")
	e.putCandidate(t, e.watchdog(), "watchdog-v1")

	cycle, err := e.coord.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]Action{
		AgentServiceName:    ActionSwapped,
		WatchdogServiceName: ActionUnchanged,
	}, actions(cycle))
	assert.Equal(t, "agent-v2", readFile(t, e.agent().TargetPath))
	assert.Equal(t, 0, e.ctl.CountCalls("stop", WatchdogServiceName))
	assert.Equal(t, 0, e.ctl.CountCalls("install", AgentServiceName))
	assert.Equal(t, 1, e.orch.cleaned)
}

// full reinstall bundle on a host missing the agent binary
func TestRunCycle_FullReinstallOfMissingTarget(t *testing.T) {
	e := newEnv(t)
	e.orch.full = true
	e.ctl.Add(AgentServiceName, svcctl.StatusStopped)
	e.install(t, e.watchdog(), "watchdog-v1")
	e.putCandidate(t, e.agent(), "agent-v2")
	e.putCandidate(t, e.watchdog(), "watchdog-v2")

	cycle, err := e.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]Action{
		AgentServiceName:    ActionInstalled,
		WatchdogServiceName: ActionInstalled,
	}, actions(cycle))

	agent, ok := e.ctl.Get(AgentServiceName)
	require.True(t, ok)
	assert.Equal(t, svcctl.StatusRunning, agent.Status)
	assert.Equal(t, e.agent().TargetPath, agent.Descriptor.BinaryPath)
	assert.Equal(t, GenerateServiceArguments(identity), agent.Descriptor.Arguments)
	assert.Equal(t, "agent-v2", readFile(t, e.agent().TargetPath))

	watchdog, ok := e.ctl.Get(WatchdogServiceName)
	require.True(t, ok)
	assert.Empty(t, watchdog.Descriptor.Arguments)
	assert.Equal(t, [][]string{nil}, watchdog.StartArgs)

	// the installed binary is recorded and the candidate removed
	assert.True(t, e.store.IsFileUnchanged(e.agent().TargetPath))
	assert.NoFileExists(t, e.orch.CandidatePath(e.agent().CandidateName))
}

func TestRunCycle_MissingTargetWithoutFullReinstallIsSkipped(t *testing.T) {
	e := newEnv(t)
	e.install(t, e.watchdog(), "watchdog-v1")
	e.putCandidate(t, e.agent(), "agent-v2")
	e.putCandidate(t, e.watchdog(), "watchdog-v1")

	cycle, err := e.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, actions(cycle)[AgentServiceName])
	assert.NoFileExists(t, e.agent().TargetPath)
	assert.Equal(t, 0, e.orch.cleaned, "nothing was updated")
}

func TestRunCycle_MissingCandidateIsSkipped(t *testing.T) {
	e := newEnv(t)
	e.install(t, e.agent(), "agent-v1")
	e.install(t, e.watchdog(), "watchdog-v1")
	e.putCandidate(t, e.agent(), "agent-v2")

	cycle, err := e.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]Action{
		AgentServiceName:    ActionSwapped,
		WatchdogServiceName: ActionSkipped,
	}, actions(cycle))
}

func TestRunCycle_SecondCycleIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.install(t, e.agent(), "agent-v1")
	e.install(t, e.watchdog(), "watchdog-v1")
	e.putCandidate(t, e.agent(), "agent-v2")
	e.putCandidate(t, e.watchdog(), "watchdog-v2")

	_, err := e.coord.RunCycle(context.Background())
	require.NoError(t, err)
	startCalls := len(e.ctl.Calls())

	// the same bundle extracted again
	e.putCandidate(t, e.agent(), "agent-v2")
	e.putCandidate(t, e.watchdog(), "watchdog-v2")

	cycle, err := e.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, cycle.Updated())
	assert.Equal(t, map[string]Action{
		AgentServiceName:    ActionUnchanged,
		WatchdogServiceName: ActionUnchanged,
	}, actions(cycle))
	assert.Equal(t, startCalls, len(e.ctl.Calls()), "no service control on an unchanged bundle")
}

func TestRunCycle_FailingServiceDoesNotStopOthers(t *testing.T) {
	e := newEnv(t)
	e.install(t, e.agent(), "agent-v1")
	e.install(t, e.watchdog(), "watchdog-v1")
	e.putCandidate(t, e.agent(), "agent-v2")
	e.putCandidate(t, e.watchdog(), "watchdog-v2")
	e.ctl.OnStart = func(name string) (svcctl.Status, error) {
		if name == AgentServiceName {
			return svcctl.StatusStopped, nil
		}
		return svcctl.StatusRunning, nil
	}

	cycle, err := e.coord.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, swap.ErrStartFailed)
	assert.Equal(t, map[string]Action{
		AgentServiceName:    ActionFailed,
		WatchdogServiceName: ActionSwapped,
	}, actions(cycle))
	assert.Equal(t, "agent-v1", readFile(t, e.agent().TargetPath), "agent is rolled back")
	assert.Equal(t, "watchdog-v2", readFile(t, e.watchdog().TargetPath))
}

func TestReinstall_StillInstalledAborts(t *testing.T) {
	e := newEnv(t)
	e.install(t, e.agent(), "agent-v1")
	e.ctl.StopIgnored = true
	e.putCandidate(t, e.agent(), "agent-v2")

	lc := svcctl.NewLifecycle(e.ctl, svcctl.Timings{}, log.NewEntry(log.StandardLogger()))
	r := NewReinstaller(lc, e.store, t.TempDir(), log.NewEntry(log.StandardLogger()))

	err := r.Reinstall(e.agent(), e.orch.CandidatePath(e.agent().CandidateName), nil)
	require.Error(t, err)
	assert.Equal(t, "agent-v1", readFile(t, e.agent().TargetPath))
	assert.Equal(t, 0, e.ctl.CountCalls("install", AgentServiceName))
}

// a failed full reinstall must leave the target diverged so the next cycle retries
func TestRunCycle_FailedReinstallIsRetried(t *testing.T) {
	e := newEnv(t)
	e.orch.full = true
	e.install(t, e.agent(), "agent-v1")
	e.install(t, e.watchdog(), "watchdog-v1")
	e.putCandidate(t, e.agent(), "agent-v2")
	e.putCandidate(t, e.watchdog(), "watchdog-v1")
	e.ctl.InstallErr = errors.New("access denied")

	cycle, err := e.coord.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, ActionFailed, actions(cycle)[AgentServiceName])
	assert.Equal(t, "agent-v1", readFile(t, e.agent().TargetPath), "previous binary is restored")
	assert.False(t, e.store.IsFileUnchanged(e.agent().TargetPath))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(e.store.Path()), "..", "backup", filepath.Base(e.agent().TargetPath)+".reinstall"))

	e.ctl.InstallErr = nil
	e.putCandidate(t, e.agent(), "agent-v2")

	cycle, err = e.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionInstalled, actions(cycle)[AgentServiceName])
	assert.Equal(t, "agent-v2", readFile(t, e.agent().TargetPath))
	assert.True(t, e.store.IsFileUnchanged(e.agent().TargetPath))

	agent, ok := e.ctl.Get(AgentServiceName)
	require.True(t, ok)
	assert.Equal(t, svcctl.StatusRunning, agent.Status)
}

func TestReinstall_StartFailureRestoresPreviousBinary(t *testing.T) {
	e := newEnv(t)
	e.install(t, e.agent(), "agent-v1")
	e.putCandidate(t, e.agent(), "agent-v2")

	starts := 0
	e.ctl.OnStart = func(string) (svcctl.Status, error) {
		starts++
		if starts == 1 {
			return svcctl.StatusStopped, errors.New("binary crashed")
		}
		return svcctl.StatusRunning, nil
	}

	lc := svcctl.NewLifecycle(e.ctl, svcctl.Timings{}, log.NewEntry(log.StandardLogger()))
	r := NewReinstaller(lc, e.store, t.TempDir(), log.NewEntry(log.StandardLogger()))

	err := r.Reinstall(e.agent(), e.orch.CandidatePath(e.agent().CandidateName), nil)
	require.Error(t, err)
	assert.Equal(t, "agent-v1", readFile(t, e.agent().TargetPath))
	assert.False(t, e.store.IsFileUnchanged(e.agent().TargetPath))

	agent, ok := e.ctl.Get(AgentServiceName)
	require.True(t, ok, "the previous binary stays registered")
	assert.Equal(t, svcctl.StatusRunning, agent.Status)
	assert.Equal(t, 2, starts)
}

func TestInitialInstall_GateMatrix(t *testing.T) {
	tests := []struct {
		name         string
		gate         manifest.InstallGate
		gateErr      error
		preinstalled bool
		wantInstall  bool
	}{
		{name: "gate absent, services missing", gateErr: manifest.ErrGateAbsent, wantInstall: true},
		{name: "gate absent, services installed", gateErr: manifest.ErrGateAbsent, preinstalled: true},
		{name: "enabled", gate: manifest.InstallGate{EnableInitialInstall: true}, preinstalled: true, wantInstall: true},
		{name: "disabled, services missing", gate: manifest.InstallGate{}, wantInstall: true},
		{name: "disabled, services installed", gate: manifest.InstallGate{}, preinstalled: true},
		{name: "malformed gate, services missing", gateErr: errors.New("parse install gate: unexpected EOF"), wantInstall: true},
		{name: "malformed gate, services installed", gateErr: errors.New("parse install gate: unexpected EOF"), preinstalled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.orch.gate = tt.gate
			e.orch.gateErr = tt.gateErr
			if tt.preinstalled {
				e.install(t, e.agent(), "agent-v1")
				e.install(t, e.watchdog(), "watchdog-v1")
			}
			e.putCandidate(t, e.agent(), "agent-v2")
			e.putCandidate(t, e.watchdog(), "watchdog-v2")

			installed, err := e.initial.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantInstall, installed)
			assert.Equal(t, 1, e.orch.cleaned)

			if tt.wantInstall {
				assert.Equal(t, 1, e.ctl.CountCalls("install", AgentServiceName))
				assert.Equal(t, "agent-v2", readFile(t, e.agent().TargetPath))
			} else {
				assert.Equal(t, 0, e.ctl.CountCalls("install", AgentServiceName))
			}
		})
	}
}

func TestInitialInstall_DownloadFailure(t *testing.T) {
	e := newEnv(t)
	e.orch.initialErr = errors.New("no reachable bundle url")

	installed, err := e.initial.Run(context.Background())
	require.Error(t, err)
	assert.False(t, installed)
	assert.Equal(t, 0, e.orch.cleaned)
}
