package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/everydev1618/relay/llm"
)

func TestRegistryRegisterAndInvoke(t *testing.T) {
	reg := NewRegistry()
	schema := llm.ToolSchema{Name: "echo", InputSchema: map[string]any{"type": "object"}}

	err := reg.RegisterFunc(schema, func(ctx context.Context, args map[string]any) (Result, error) {
		return Ok(args["text"]), nil
	})
	if err != nil {
		t.Fatalf("RegisterFunc() error: %v", err)
	}

	if err := reg.RegisterFunc(schema, nil); !errors.Is(err, ErrToolAlreadyRegistered) {
		t.Errorf("duplicate registration = %v, want ErrToolAlreadyRegistered", err)
	}

	result := reg.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	if !result.Success || result.Output != "hi" {
		t.Errorf("Invoke(echo) = %+v", result)
	}

	if schemas := reg.Schemas(); len(schemas) != 1 || schemas[0].Name != "echo" {
		t.Errorf("Schemas() = %v", schemas)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry()
	result := reg.Invoke(context.Background(), "missing", nil)
	if result.Success {
		t.Error("unknown tool should fail")
	}
	if result.Error == "" {
		t.Error("unknown tool should carry an error message")
	}
}

func TestRegistryToolError(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc(llm.ToolSchema{Name: "boom"}, func(ctx context.Context, args map[string]any) (Result, error) {
		return Result{}, fmt.Errorf("kaput")
	})

	result := reg.Invoke(context.Background(), "boom", nil)
	if result.Success {
		t.Error("crashed tool should fail")
	}
}

func TestResultOutputString(t *testing.T) {
	if got := Ok("plain").OutputString(); got != "plain" {
		t.Errorf("OutputString() = %q", got)
	}
	structured := Ok(map[string]any{"files": []string{"a"}})
	if got := structured.OutputString(); got != `{"files":["a"]}` {
		t.Errorf("OutputString() = %q", got)
	}
	if got := (Result{}).OutputString(); got != "" {
		t.Errorf("empty OutputString() = %q", got)
	}
}

func TestBuiltinsWithoutWorkspace(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, nil); err != nil {
		t.Fatalf("RegisterBuiltins() error: %v", err)
	}

	for _, name := range []string{"ask", "complete"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("builtin %q not registered", name)
		}
	}
	if _, ok := reg.Get("list_files"); ok {
		t.Error("list_files registered without a workspace")
	}

	result := reg.Invoke(context.Background(), "ask", map[string]any{"text": "ready?"})
	if !result.Success {
		t.Errorf("ask = %+v", result)
	}
	if result := reg.Invoke(context.Background(), "ask", map[string]any{}); result.Success {
		t.Error("ask without text should fail")
	}
}

// fakeWorkspace backs the file and shell builtins.
type fakeWorkspace struct {
	files map[string][]string
}

func (f *fakeWorkspace) ListFiles(ctx context.Context, path string) ([]string, error) {
	files, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such directory: %s", path)
	}
	return files, nil
}

func (f *fakeWorkspace) Exec(ctx context.Context, command string) (string, int, error) {
	if command == "false" {
		return "", 1, nil
	}
	return "ran: " + command, 0, nil
}

func TestBuiltinsWithWorkspace(t *testing.T) {
	reg := NewRegistry()
	ws := &fakeWorkspace{files: map[string][]string{"/tmp": {"a.txt", "b.txt"}}}
	if err := RegisterBuiltins(reg, ws); err != nil {
		t.Fatalf("RegisterBuiltins() error: %v", err)
	}

	result := reg.Invoke(context.Background(), "list_files", map[string]any{"path": "/tmp"})
	if !result.Success {
		t.Fatalf("list_files = %+v", result)
	}
	out, _ := result.Output.(map[string]any)
	files, _ := out["files"].([]string)
	if len(files) != 2 {
		t.Errorf("files = %v", files)
	}

	if result := reg.Invoke(context.Background(), "list_files", map[string]any{"path": "/nope"}); result.Success {
		t.Error("missing directory should fail")
	}

	result = reg.Invoke(context.Background(), "execute_command", map[string]any{"command": "echo hi"})
	if !result.Success {
		t.Fatalf("execute_command = %+v", result)
	}
	if result := reg.Invoke(context.Background(), "execute_command", map[string]any{"command": "false"}); result.Success {
		t.Error("nonzero exit should fail")
	}
}
