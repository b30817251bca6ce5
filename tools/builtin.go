package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/everydev1618/relay/llm"
)

// Workspace is the slice of a run's sandbox the builtin tools need.
// sandbox.Sandbox satisfies it.
type Workspace interface {
	ListFiles(ctx context.Context, path string) ([]string, error)
	Exec(ctx context.Context, command string) (stdout string, exitCode int, err error)
}

// RegisterBuiltins registers the builtin tool family against a
// workspace. The terminating ask and complete tools are always
// registered; the file and shell tools only when ws is non-nil.
func RegisterBuiltins(r *Registry, ws Workspace) error {
	if err := r.RegisterFunc(llm.ToolSchema{
		Name:        "ask",
		Description: "Ask the user a question and wait for their reply. Ends the current run.",
		InputSchema: objectSchema(map[string]any{
			"text": map[string]any{"type": "string", "description": "The question to ask"},
		}, "text"),
	}, askTool); err != nil {
		return err
	}

	if err := r.RegisterFunc(llm.ToolSchema{
		Name:        "complete",
		Description: "Signal that the task is finished. Ends the current run.",
		InputSchema: objectSchema(map[string]any{
			"text": map[string]any{"type": "string", "description": "Final summary for the user"},
		}, ""),
	}, completeTool); err != nil {
		return err
	}

	if ws == nil {
		return nil
	}

	if err := r.RegisterFunc(llm.ToolSchema{
		Name:        "list_files",
		Description: "List files in a directory inside the workspace.",
		InputSchema: objectSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory to list"},
		}, "path"),
	}, listFilesTool(ws)); err != nil {
		return err
	}

	return r.RegisterFunc(llm.ToolSchema{
		Name:        "execute_command",
		Description: "Run a shell command inside the workspace and return its output.",
		InputSchema: objectSchema(map[string]any{
			"command": map[string]any{"type": "string", "description": "Command to run"},
		}, "command"),
	}, execCommandTool(ws))
}

func objectSchema(props map[string]any, required string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if required != "" {
		schema["required"] = []string{required}
	}
	return schema
}

func askTool(ctx context.Context, args map[string]any) (Result, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return Fail("text parameter required"), nil
	}
	return Ok(map[string]any{"question": text}), nil
}

func completeTool(ctx context.Context, args map[string]any) (Result, error) {
	text, _ := args["text"].(string)
	return Ok(map[string]any{"summary": text, "status": "complete"}), nil
}

func listFilesTool(ws Workspace) Func {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		path, _ := args["path"].(string)
		if path == "" {
			return Fail("path parameter required"), nil
		}
		files, err := ws.ListFiles(ctx, path)
		if err != nil {
			return Fail("list files: %s", err.Error()), nil
		}
		return Ok(map[string]any{"path": path, "files": files}), nil
	}
}

func execCommandTool(ws Workspace) Func {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		command, _ := args["command"].(string)
		if strings.TrimSpace(command) == "" {
			return Fail("command parameter required"), nil
		}
		stdout, exitCode, err := ws.Exec(ctx, command)
		if err != nil {
			return Fail("execute command: %s", err.Error()), nil
		}
		if exitCode != 0 {
			return Result{
				Success: false,
				Output:  map[string]any{"output": stdout, "exit_code": exitCode},
				Error:   fmt.Sprintf("command exited with code %d", exitCode),
			}, nil
		}
		return Ok(map[string]any{"output": stdout, "exit_code": exitCode}), nil
	}
}
