package workerproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// InvokeRequest carries everything Executor.Invoke needs to run one
// resolved entity's callable.
type InvokeRequest struct {
	Path           string
	FunctionSymbol string
	Source         []byte
	Parameters     map[string]any
	Deadline       time.Time
}

// InvokeOutcome is the raw result of running the target, before it's
// wrapped into a types.ExecutionResult with timing and token counts.
type InvokeOutcome struct {
	Value        any
	InputTokens  int
	OutputTokens int
}

// Executor runs one resolved callable to completion or until ctx is
// cancelled. There is no in-process cancellation token: the worker
// process itself is the unit the pool kills on timeout, so Invoke only
// needs to respect ctx for its own subprocess's wait, not to implement
// cooperative cancellation internally.
type Executor interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeOutcome, error)
}

// subprocessRequest/subprocessResponse are the JSON contract the runner
// script reads from stdin and writes to stdout.
type subprocessRequest struct {
	FunctionSymbol string         `json:"function_symbol"`
	Parameters     map[string]any `json:"parameters"`
}

type subprocessResponse struct {
	Value        any    `json:"value"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Error        string `json:"error"`
}

// PythonExecutor invokes the target by handing the artifact's source to a
// python3 subprocess along with the function symbol and parameters. This
// is the execution substrate itself, not an additional sandbox layer on
// top of it: OS-process isolation is already provided by the container
// the pool spawned this worker in, and there is no Python-grammar or
// embedding library in reach to run the code in-process instead.
type PythonExecutor struct {
	// PythonPath is the interpreter binary, "python3" if empty.
	PythonPath string
	// RunnerScript is the bootstrap fed to the interpreter via -c; it
	// loads module bytes from stdin, calls FunctionSymbol with
	// Parameters, and writes a subprocessResponse to stdout.
	RunnerScript string
}

// NewPythonExecutor builds a PythonExecutor with the default interpreter
// and bootstrap script.
func NewPythonExecutor() *PythonExecutor {
	return &PythonExecutor{PythonPath: "python3", RunnerScript: defaultRunnerScript}
}

func (e *PythonExecutor) Invoke(ctx context.Context, req InvokeRequest) (*InvokeOutcome, error) {
	python := e.PythonPath
	if python == "" {
		python = "python3"
	}
	script := e.RunnerScript
	if script == "" {
		script = defaultRunnerScript
	}

	runCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, python, "-c", script)

	stdin := subprocessRequest{FunctionSymbol: req.FunctionSymbol, Parameters: req.Parameters}
	payload, err := json.Marshal(stdin)
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}

	cmd.Stdin = bytes.NewReader(append(append([]byte{}, req.Source...), append([]byte("\n---BIFROST-ARGS---\n"), payload...)...))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("python invocation failed: %w (stderr: %s)", err, stderr.String())
	}

	var resp subprocessResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode invoke response: %w (stdout: %s)", err, stdout.String())
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("target raised: %s", resp.Error)
	}

	return &InvokeOutcome{Value: resp.Value, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}, nil
}

// defaultRunnerScript splits stdin on the sentinel into the module source
// and the JSON invoke request, execs the module in a fresh namespace, and
// calls the named symbol with the request's parameters as kwargs.
const defaultRunnerScript = `
import sys, json, traceback

raw = sys.stdin.read()
source, _, args_json = raw.partition("\n---BIFROST-ARGS---\n")
req = json.loads(args_json)

out = {"value": None, "input_tokens": 0, "output_tokens": 0, "error": ""}
try:
    ns = {}
    exec(compile(source, "<bifrost-artifact>", "exec"), ns)
    target = ns[req["function_symbol"]]
    out["value"] = target(**(req.get("parameters") or {}))
except Exception:
    out["error"] = traceback.format_exc()

sys.stdout.write(json.dumps(out, default=str))
`
