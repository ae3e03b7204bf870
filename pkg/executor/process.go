package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/envrun/pkg/engine"
	"github.com/openfroyo/envrun/pkg/telemetry"
)

const (
	// DefaultBinary is tried first when no binary is configured.
	DefaultBinary = "tofu"

	// FallbackBinary is used when DefaultBinary is not on PATH.
	FallbackBinary = "terraform"

	// DefaultKillGrace is how long a cancelled process gets between interrupt and kill.
	DefaultKillGrace = 10 * time.Second

	planDir = ".envrun"
)

// ProcessConfig configures the process executor.
type ProcessConfig struct {
	// Binary is the IaC CLI to run. Empty picks tofu, then terraform.
	Binary string

	// WorkRoot is the base for module working directories. Relative module
	// directories are resolved against it; modules without one use
	// <WorkRoot>/<environment>/<module>.
	WorkRoot string

	// Env is appended to the inherited process environment.
	Env []string

	// KillGrace is the delay between interrupt and kill on cancellation.
	KillGrace time.Duration

	// SkipInit disables `init` before each phase.
	SkipInit bool
}

// ProcessExecutor runs plan/apply/destroy/refresh with an OpenTofu or
// Terraform binary.
type ProcessExecutor struct {
	cfg    ProcessConfig
	logger *telemetry.Logger

	lookPath func(string) (string, error)
}

var _ engine.Executor = (*ProcessExecutor)(nil)

// NewProcessExecutor creates a process executor.
func NewProcessExecutor(cfg ProcessConfig, logger *telemetry.Logger) *ProcessExecutor {
	if cfg.KillGrace == 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &ProcessExecutor{
		cfg:      cfg,
		logger:   logger.NewComponentLogger("executor"),
		lookPath: exec.LookPath,
	}
}

// Execute runs one phase. A non-zero exit is reported through the result's
// exit code; an error is returned only when the process could not be run
// or ctx ended.
func (e *ProcessExecutor) Execute(ctx context.Context, desc *engine.RunDescriptor, logs engine.LogWriter) (*engine.ExecutionResult, error) {
	binary, err := e.binary()
	if err != nil {
		return nil, err
	}

	dir := e.workingDir(desc)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("working directory %s: %w", dir, err)
	}

	base := e.baseEnvironment(desc)
	env := withVariables(base, e.outputVariables(ctx, binary, desc, base, logs))
	logger := e.logger.WithModuleRun(desc.RunID, desc.ModuleID).WithField("phase", desc.Phase)
	start := time.Now()

	if !e.cfg.SkipInit {
		code, err := e.run(ctx, binary, dir, env, logs, nil, initArgs(desc)...)
		if err != nil || code != 0 {
			return &engine.ExecutionResult{ExitCode: code, ResourceCount: -1}, err
		}
	}

	result := &engine.ExecutionResult{ResourceCount: -1}
	switch desc.Phase {
	case engine.PhasePlan:
		planFile := filepath.Join(dir, planDir, desc.RunID+".tfplan")
		if err := os.MkdirAll(filepath.Dir(planFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create plan directory: %w", err)
		}

		args := []string{"plan", "-input=false", "-no-color", "-detailed-exitcode", "-out=" + planFile}
		code, err := e.run(ctx, binary, dir, env, logs, nil, args...)
		if err != nil {
			return &engine.ExecutionResult{ExitCode: code, ResourceCount: -1}, err
		}
		// -detailed-exitcode reports "changes present" as 2.
		if code == 2 {
			code = 0
		}
		result.ExitCode = code
		if code != 0 {
			return result, nil
		}

		var show bytes.Buffer
		code, err = e.run(ctx, binary, dir, env, nil, &show, "show", "-json", "-no-color", planFile)
		if err != nil || code != 0 {
			return &engine.ExecutionResult{ExitCode: code, ResourceCount: -1}, err
		}
		summary, err := ParsePlanSummary(show.Bytes())
		if err != nil {
			return nil, err
		}
		result.PlanSummary = summary
		result.PlanOutput = planFile
		logs.WriteLine(engine.StreamStdout, fmt.Sprintf("Plan: %d to add, %d to change, %d to destroy.", summary.Add, summary.Change, summary.Destroy))

	case engine.PhaseApply:
		args := []string{"apply", "-input=false", "-no-color", "-auto-approve"}
		if desc.PlanOutput != "" {
			args = append(args, desc.PlanOutput)
		}
		if result.ExitCode, err = e.run(ctx, binary, dir, env, logs, nil, args...); err != nil {
			return result, err
		}
		if desc.PlanOutput != "" {
			_ = os.Remove(desc.PlanOutput)
		}

	case engine.PhaseDestroy:
		args := []string{"destroy", "-input=false", "-no-color", "-auto-approve"}
		if result.ExitCode, err = e.run(ctx, binary, dir, env, logs, nil, args...); err != nil {
			return result, err
		}

	case engine.PhaseRefresh:
		args := []string{"apply", "-refresh-only", "-input=false", "-no-color", "-auto-approve"}
		if result.ExitCode, err = e.run(ctx, binary, dir, env, logs, nil, args...); err != nil {
			return result, err
		}

	default:
		return nil, fmt.Errorf("unknown phase %q", desc.Phase)
	}

	if result.ExitCode == 0 && desc.Phase != engine.PhasePlan {
		result.ResourceCount = e.countResources(ctx, binary, dir, env)
	}

	logger.WithFields(map[string]interface{}{
		"exit_code":   result.ExitCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("phase finished")
	return result, nil
}

func (e *ProcessExecutor) binary() (string, error) {
	if e.cfg.Binary != "" {
		return e.lookPath(e.cfg.Binary)
	}
	if path, err := e.lookPath(DefaultBinary); err == nil {
		return path, nil
	}
	path, err := e.lookPath(FallbackBinary)
	if err != nil {
		return "", fmt.Errorf("neither %s nor %s found on PATH", DefaultBinary, FallbackBinary)
	}
	return path, nil
}

func (e *ProcessExecutor) workingDir(desc *engine.RunDescriptor) string {
	return e.moduleDir(desc.EnvironmentID, desc.ModuleID, desc.WorkingDir)
}

func (e *ProcessExecutor) moduleDir(environmentID, moduleID, workingDir string) string {
	switch {
	case workingDir == "":
		return filepath.Join(e.cfg.WorkRoot, environmentID, moduleID)
	case filepath.IsAbs(workingDir) || e.cfg.WorkRoot == "":
		return workingDir
	default:
		return filepath.Join(e.cfg.WorkRoot, workingDir)
	}
}

// baseEnvironment is the child environment without module variables.
func (e *ProcessExecutor) baseEnvironment(desc *engine.RunDescriptor) []string {
	env := append(os.Environ(), e.cfg.Env...)
	env = append(env,
		"TF_IN_AUTOMATION=1",
		"TF_INPUT=0",
		"ENVRUN_RUN_ID="+desc.RunID,
		"ENVRUN_MODULE_ID="+desc.ModuleID,
		"ENVRUN_MODULE_VERSION="+desc.ModuleVersion,
		"ENVRUN_EXECUTION_MODE="+string(desc.ExecutionMode),
	)
	if desc.CallbackToken != "" {
		env = append(env, "ENVRUN_CALLBACK_TOKEN="+desc.CallbackToken)
	}
	return env
}

// withVariables appends vars to env. Terraform-category variables become
// TF_VAR_<key>; env-category variables are set as-is.
func withVariables(env []string, vars []engine.ResolvedVariable) []string {
	out := append([]string{}, env...)
	for _, v := range vars {
		switch v.Category {
		case engine.CategoryEnv:
			out = append(out, v.Key+"="+v.Value)
		default:
			out = append(out, "TF_VAR_"+v.Key+"="+v.Value)
		}
	}
	return out
}

// outputVariables fills variables fed by upstream module outputs. When an
// output cannot be read, the overridden layer's value is kept if there is
// one; otherwise the variable is left unset so the module default applies.
func (e *ProcessExecutor) outputVariables(
	ctx context.Context,
	binary string,
	desc *engine.RunDescriptor,
	env []string,
	logs engine.LogWriter,
) []engine.ResolvedVariable {
	outputs := make(map[string]map[string]string)
	vars := make([]engine.ResolvedVariable, 0, len(desc.Variables))

	for _, v := range desc.Variables {
		if v.Output == nil {
			vars = append(vars, v)
			continue
		}

		values, read := outputs[v.Output.ModuleID]
		if !read {
			values = e.readOutputs(ctx, binary, desc, v.Output.ModuleID, env, logs)
			outputs[v.Output.ModuleID] = values
		}

		if value, ok := values[v.Output.Name]; ok {
			v.Value = value
			vars = append(vars, v)
			continue
		}
		if v.Output.Overrides {
			logs.WriteLine(engine.StreamStderr, fmt.Sprintf("output %s of module %s unavailable, %s keeps its bound value", v.Output.Name, v.Output.ModuleID, v.Key))
			vars = append(vars, v)
			continue
		}
		logs.WriteLine(engine.StreamStderr, fmt.Sprintf("output %s of module %s unavailable, %s left unset", v.Output.Name, v.Output.ModuleID, v.Key))
	}
	return vars
}

// readOutputs runs `output -json` in an upstream module's directory. It
// returns nil when the outputs cannot be read.
func (e *ProcessExecutor) readOutputs(
	ctx context.Context,
	binary string,
	desc *engine.RunDescriptor,
	moduleID string,
	env []string,
	logs engine.LogWriter,
) map[string]string {
	dir := e.moduleDir(desc.EnvironmentID, moduleID, desc.UpstreamDirs[moduleID])
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	var out bytes.Buffer
	code, err := e.run(ctx, binary, dir, env, logs, &out, "output", "-json", "-no-color")
	if err != nil || code != 0 {
		e.logger.WithModuleRun(desc.RunID, desc.ModuleID).WithField("upstream", moduleID).
			WithField("exit_code", code).WithError(err).Warn("failed to read upstream outputs")
		return nil
	}
	values, err := ParseOutputs(out.Bytes())
	if err != nil {
		e.logger.WithModuleRun(desc.RunID, desc.ModuleID).WithField("upstream", moduleID).WithError(err).Warn("failed to decode upstream outputs")
		return nil
	}
	return values
}

func initArgs(desc *engine.RunDescriptor) []string {
	args := []string{"init", "-input=false", "-no-color"}
	keys := make([]string, 0, len(desc.BackendConfig))
	for k := range desc.BackendConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("-backend-config=%s=%s", k, desc.BackendConfig[k]))
	}
	return args
}

// run starts the binary and waits for it. With logs set, stdout and stderr
// are streamed line by line; with capture set, stdout is collected there
// and stderr is streamed.
func (e *ProcessExecutor) run(
	ctx context.Context,
	binary, dir string,
	env []string,
	logs engine.LogWriter,
	capture *bytes.Buffer,
	args ...string,
) (int, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.cfg.KillGrace

	stdout := newLineWriter(logs, "stdout")
	stderr := newLineWriter(logs, "stderr")
	if capture != nil {
		cmd.Stdout = capture
	} else {
		cmd.Stdout = stdout
	}
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("failed to run %s %s: %w", filepath.Base(binary), args[0], err)
	}
	return 0, nil
}

// countResources returns the number of resources in state, -1 when unknown.
func (e *ProcessExecutor) countResources(ctx context.Context, binary, dir string, env []string) int {
	var out bytes.Buffer
	code, err := e.run(ctx, binary, dir, env, nil, &out, "state", "list")
	if err != nil || code != 0 {
		return -1
	}
	count := 0
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

// lineWriter splits a byte stream into lines for a LogWriter.
type lineWriter struct {
	mu     sync.Mutex
	logs   engine.LogWriter
	stream string
	buf    []byte
}

func newLineWriter(logs engine.LogWriter, stream string) *lineWriter {
	return &lineWriter{logs: logs, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) {
	if w.logs != nil {
		w.logs.WriteLine(w.stream, line)
	}
}
