package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/dop251/goja"
)

const maxScriptOutput = 1 << 20

// codeInputs is what scripts see: `inputs` (upstream outputs keyed by node
// name), `input` (the invocation payload) and `variables` (globals).
func codeInputs(scope *Scope) map[string]any {
	return map[string]any{
		"inputs":    toJSONValue(cloneJSON(scope.Outputs())),
		"input":     cloneJSON(scope.Input()),
		"variables": cloneJSON(scope.Globals()),
	}
}

func (e *Executor) runCode(ctx context.Context, s *CodeSpec, scope *Scope) (nodeOutcome, error) {
	if strings.TrimSpace(s.Code) == "" {
		return nodeOutcome{}, &EngineError{Message: "code is empty", Code: CodeValidation}
	}
	timeout := time.Duration(s.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	switch strings.ToLower(s.Language) {
	case "", "javascript", "js":
		return runJavaScript(ctx, s.Code, codeInputs(scope), timeout)
	case "python", "py", "python3":
		return runPython(ctx, e.python, s.Code, codeInputs(scope), timeout)
	}
	return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("unsupported language %q", s.Language), Code: CodeUnsupportedConfig}
}

// runJavaScript evaluates code as a function body in a fresh goja VM so a
// top-level return produces the result.
func runJavaScript(ctx context.Context, code string, vars map[string]any, timeout time.Duration) (nodeOutcome, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(1024)

	var stdout []string
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = Stringify(a.Export())
		}
		stdout = append(stdout, strings.Join(parts, " "))
		return goja.Undefined()
	}
	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(name, logFn); err != nil {
			return nodeOutcome{}, err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return nodeOutcome{}, err
	}
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return nodeOutcome{}, err
		}
	}

	timer := time.AfterFunc(timeout, func() { vm.Interrupt("timeout") })
	defer timer.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunString("(function() {\n" + code + "\n})()")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctxErr, ok := interrupted.Value().(error); ok {
				return nodeOutcome{}, ctxErr
			}
			return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("script timed out after %v", timeout), Code: CodeNodeTimeout}
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return nodeOutcome{}, &EngineError{Message: "script error: " + exception.Error(), Code: CodeSandbox}
		}
		return nodeOutcome{}, &EngineError{Message: "script error: " + err.Error(), Code: CodeSandbox}
	}

	var result any
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		result = cloneJSON(value.Export())
	}
	return nodeOutcome{output: map[string]any{
		"result": result,
		"stdout": strings.Join(stdout, "\n"),
	}}, nil
}

// pythonPrelude loads the script variables from stdin.
const pythonPrelude = `import json as _json, sys as _sys
_ctx = _json.load(_sys.stdin)
inputs = _ctx.get("inputs") or {}
input = _ctx.get("input")
variables = _ctx.get("variables") or {}
del _ctx
`

// runPython runs code with python -c, passing variables as JSON on stdin.
// The last stdout line is the result, decoded as JSON when it parses.
func runPython(ctx context.Context, python, code string, vars map[string]any, timeout time.Duration) (nodeOutcome, error) {
	stdin, err := json.Marshal(vars)
	if err != nil {
		return nodeOutcome{}, fmt.Errorf("encode script inputs: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, python, "-c", pythonPrelude+code)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr limitedBuffer
	stdout.limit, stderr.limit = maxScriptOutput, maxScriptOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() != nil {
		return nodeOutcome{}, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("script timed out after %v", timeout), Code: CodeNodeTimeout}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nodeOutcome{}, &EngineError{Message: "script error: " + lastLines(stderr.String(), 5), Code: CodeSandbox}
		}
		return nodeOutcome{}, &EngineError{Message: fmt.Sprintf("start python: %v", err), Code: CodeSandbox}
	}

	out := strings.TrimRight(stdout.String(), "\n")
	var result any
	if out != "" {
		last := out[strings.LastIndexByte(out, '\n')+1:]
		if err := json.Unmarshal([]byte(last), &result); err != nil {
			result = last
		}
	}
	return nodeOutcome{output: map[string]any{"result": result, "stdout": out}}, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// limitedBuffer drops writes past limit instead of failing the process.
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
