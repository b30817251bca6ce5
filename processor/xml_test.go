package processor

import (
	"testing"
)

func TestExtractXMLChunks(t *testing.T) {
	content := `Sure.<function_calls><invoke name="list_files"><parameter name="path">/tmp</parameter></invoke></function_calls> done`
	chunks := extractXMLChunks(content)
	if len(chunks) != 1 {
		t.Fatalf("extractXMLChunks() returned %d chunks, want 1", len(chunks))
	}
	want := `<function_calls><invoke name="list_files"><parameter name="path">/tmp</parameter></invoke></function_calls>`
	if chunks[0] != want {
		t.Errorf("chunk = %q, want %q", chunks[0], want)
	}
}

func TestExtractXMLChunksMultiple(t *testing.T) {
	content := `<function_calls><invoke name="a"></invoke></function_calls>text<function_calls><invoke name="b"></invoke></function_calls>`
	chunks := extractXMLChunks(content)
	if len(chunks) != 2 {
		t.Fatalf("extractXMLChunks() returned %d chunks, want 2", len(chunks))
	}
}

func TestExtractXMLChunksIncomplete(t *testing.T) {
	content := `<function_calls><invoke name="list_files">`
	if chunks := extractXMLChunks(content); len(chunks) != 0 {
		t.Errorf("incomplete block should yield no chunks, got %d", len(chunks))
	}
}

func TestParseXMLChunk(t *testing.T) {
	chunk := `<function_calls>
  <invoke name="create_file">
    <parameter name="path">/tmp/a.txt</parameter>
    <parameter name="content">hello world</parameter>
  </invoke>
</function_calls>`

	calls := parseXMLChunk(chunk)
	if len(calls) != 1 {
		t.Fatalf("parseXMLChunk() returned %d calls, want 1", len(calls))
	}
	call := calls[0]
	if call.Call.FunctionName != "create_file" {
		t.Errorf("FunctionName = %q, want create_file", call.Call.FunctionName)
	}
	if call.Call.XMLTagName != "create-file" {
		t.Errorf("XMLTagName = %q, want create-file", call.Call.XMLTagName)
	}
	if got := call.Call.Arguments["path"]; got != "/tmp/a.txt" {
		t.Errorf("path argument = %v, want /tmp/a.txt", got)
	}
	if got := call.Call.Arguments["content"]; got != "hello world" {
		t.Errorf("content argument = %v, want hello world", got)
	}
	if call.Details.RawXML != chunk {
		t.Errorf("RawXML not preserved")
	}
	if call.Details.Elements["path"] != "/tmp/a.txt" {
		t.Errorf("Elements[path] = %q", call.Details.Elements["path"])
	}
}

func TestParseXMLChunkMalformed(t *testing.T) {
	if calls := parseXMLChunk(`<function_calls><invoke name="x"></function_calls>`); calls != nil {
		t.Errorf("malformed chunk should yield nil, got %v", calls)
	}
}

func TestParseXMLChunkBareAmpersand(t *testing.T) {
	chunk := `<function_calls><invoke name="web_search"><parameter name="query">fish & chips</parameter></invoke></function_calls>`
	calls := parseXMLChunk(chunk)
	if len(calls) != 1 {
		t.Fatalf("parseXMLChunk() returned %d calls, want 1", len(calls))
	}
	if got := calls[0].Call.Arguments["query"]; got != "fish & chips" {
		t.Errorf("query argument = %v, want %q", got, "fish & chips")
	}
}

// Parsing then re-rendering preserves function name and argument keys.
func TestXMLRoundTrip(t *testing.T) {
	chunk := `<function_calls><invoke name="execute_command"><parameter name="command">ls -la</parameter></invoke></function_calls>`
	calls := parseXMLChunk(chunk)
	if len(calls) != 1 {
		t.Fatalf("parseXMLChunk() returned %d calls, want 1", len(calls))
	}

	rendered := RenderXMLCall(calls[0].Call)
	reparsed := parseXMLChunk(rendered)
	if len(reparsed) != 1 {
		t.Fatalf("reparse returned %d calls, want 1", len(reparsed))
	}
	if reparsed[0].Call.FunctionName != calls[0].Call.FunctionName {
		t.Errorf("round trip changed function name: %q != %q", reparsed[0].Call.FunctionName, calls[0].Call.FunctionName)
	}
	if len(reparsed[0].Call.Arguments) != len(calls[0].Call.Arguments) {
		t.Fatalf("round trip changed argument count")
	}
	for key := range calls[0].Call.Arguments {
		if _, ok := reparsed[0].Call.Arguments[key]; !ok {
			t.Errorf("round trip lost argument key %q", key)
		}
	}
}
