package flow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// ProcessSpec is a resolved subprocess request from a run:script or
// run:shell task.
type ProcessSpec struct {
	Command string
	Args    []string
	Env     map[string]string

	// Detach launches the process without awaiting it.
	Detach bool
}

// ProcessResult captures a finished subprocess.
type ProcessResult struct {
	Stdout string
	Stderr string
	Code   int
}

// ProcessLauncher executes resolved subprocess requests. The production
// implementation is ProcessExecutor; tests substitute a stub.
type ProcessLauncher interface {
	Launch(ctx context.Context, spec ProcessSpec) (*ProcessResult, error)
}

// ProcessExecutor launches subprocesses with os/exec, inheriting the
// host environment plus the spec's additions.
type ProcessExecutor struct{}

// NewProcessExecutor creates a subprocess executor.
func NewProcessExecutor() *ProcessExecutor {
	return &ProcessExecutor{}
}

// Launch implements ProcessLauncher. A non-zero exit status is not an
// error at this layer; callers decide based on the return mode.
func (p *ProcessExecutor) Launch(ctx context.Context, spec ProcessSpec) (*ProcessResult, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}

	if spec.Detach {
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		go func() { _ = cmd.Wait() }()
		return &ProcessResult{}, nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := &ProcessResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		res.Code = exitErr.ExitCode()
	}
	return res, nil
}

// Interpreters for run:script languages.
var scriptInterpreters = map[string][2]string{
	"javascript": {"node", "-e"},
	"js":         {"node", "-e"},
	"python":     {"python3", "-c"},
}

// execRun dispatches a run task to its process kind.
func (r *Run) execRun(ctx context.Context, node *Node, st *NodeState) (stepOutcome, error) {
	if st.HasRawOutput() {
		return outcomeCompleted, nil
	}
	rc := node.Task.Run
	if rc.Workflow != nil {
		return r.execRunWorkflow(node, st)
	}

	input := deref(st.TransformedInput)
	vars := r.scopeVars(node, st)

	var spec ProcessSpec
	var args map[string]any
	var env map[string]string

	switch {
	case rc.Script != nil:
		interp, ok := scriptInterpreters[strings.ToLower(rc.Script.Language)]
		if !ok {
			return stepOutcome{}, NewConfigurationError(
				fmt.Sprintf("%s: unsupported script language %q", node.Position, rc.Script.Language))
		}
		code := rc.Script.Code
		if code == "" {
			return stepOutcome{}, NewConfigurationError(
				fmt.Sprintf("%s: external script sources are not supported", node.Position))
		}
		spec.Command = interp[0]
		spec.Args = []string{interp[1], code}
		args = rc.Script.Arguments
		env = rc.Script.Environment

	case rc.Shell != nil:
		resolved, err := r.evalExpr(node, rc.Shell.Command, input, vars)
		if err != nil {
			return stepOutcome{}, err
		}
		command, _ := resolved.(string)
		if command == "" {
			command = rc.Shell.Command
		}
		spec.Command = "sh"
		spec.Args = []string{"-c", command}
		args = rc.Shell.Arguments
		env = rc.Shell.Environment
	}

	// Arguments become ordered key/value argv pairs; both sides may be
	// expressions.
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		k, err := r.eval(node, name, input, vars)
		if err != nil {
			return stepOutcome{}, err
		}
		v, err := r.eval(node, args[name], input, vars)
		if err != nil {
			return stepOutcome{}, err
		}
		spec.Args = append(spec.Args, fmt.Sprint(k), fmt.Sprint(v))
	}

	if len(env) > 0 {
		spec.Env = make(map[string]string, len(env))
		for k, v := range env {
			resolved, err := r.eval(node, v, input, vars)
			if err != nil {
				return stepOutcome{}, err
			}
			spec.Env[k] = fmt.Sprint(resolved)
		}
	}

	if rc.Await != nil && !*rc.Await {
		spec.Detach = true
	}

	res, err := r.opts.Process.Launch(ctx, spec)
	if err != nil {
		return stepOutcome{}, NewRuntimeError(fmt.Sprintf("%s: process failed: %v", node.Position, err), err)
	}

	mode := rc.Return
	if spec.Detach {
		st.SetRawOutput(nil)
		return outcomeCompleted, nil
	}
	if res.Code != 0 && mode != "code" && mode != "all" && mode != "none" {
		return stepOutcome{}, NewRuntimeError(
			fmt.Sprintf("%s: process exited with code %d: %s", node.Position, res.Code, truncate(res.Stderr, 512)), nil)
	}

	switch mode {
	case "", "stdout":
		st.SetRawOutput(strings.TrimRight(res.Stdout, "\n"))
	case "stderr":
		st.SetRawOutput(strings.TrimRight(res.Stderr, "\n"))
	case "code":
		st.SetRawOutput(res.Code)
	case "all":
		st.SetRawOutput(map[string]any{
			"code":   res.Code,
			"stdout": strings.TrimRight(res.Stdout, "\n"),
			"stderr": strings.TrimRight(res.Stderr, "\n"),
		})
	case "none":
		st.SetRawOutput(nil)
	}
	return outcomeCompleted, nil
}

// execRunWorkflow suspends the instance and requests a child workflow
// start. The host resumes the node by setting its raw output to the
// child's final output.
func (r *Run) execRunWorkflow(node *Node, st *NodeState) (stepOutcome, error) {
	if v, ok := st.Var(varSubErr); ok {
		obj, _ := v.(map[string]any)
		return stepOutcome{}, errorFromObject(obj, node.Position)
	}
	sub := node.Task.Run.Workflow
	input := deref(st.TransformedInput)
	vars := r.scopeVars(node, st)

	childInput := input
	if sub.Input != nil {
		v, err := r.eval(node, sub.Input, input, vars)
		if err != nil {
			return stepOutcome{}, err
		}
		childInput = v
	}
	r.addArtifact(SubflowArtifact{
		Name:     sub.Name,
		Version:  sub.Version,
		Input:    childInput,
		Position: node.Position,
	})
	return outcomeWaiting, nil
}
