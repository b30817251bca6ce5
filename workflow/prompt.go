package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Definition identifies the workflow being rendered.
type Definition struct {
	Name        string
	Description string
}

// llmWorkflow is the JSON object embedded in the prompt.
type llmWorkflow struct {
	Workflow    string  `json:"workflow"`
	Steps       []Step  `json:"steps"`
	Description string  `json:"description,omitempty"`
	Summary     Summary `json:"summary"`
}

// FormatForLLM renders a parsed step tree into the fixed instructional
// prompt a workflow run executes under. The rendering is deterministic:
// identical inputs produce identical prompts.
func FormatForLLM(def Definition, steps []Step, input map[string]any, availableTools []string) string {
	summary := Summarize(steps)

	name := def.Name
	if name == "" {
		name = "Untitled Workflow"
	}

	workflowJSON, err := json.MarshalIndent(llmWorkflow{
		Workflow:    name,
		Steps:       steps,
		Description: def.Description,
		Summary:     summary,
	}, "", "  ")
	if err != nil {
		workflowJSON = []byte("{}")
	}

	toolsList := "Use any available tools from your system prompt"
	if len(availableTools) > 0 {
		toolsList = strings.Join(availableTools, ", ")
	}

	inputJSON := "None provided"
	if len(input) > 0 {
		if data, err := json.MarshalIndent(input, "", "  "); err == nil {
			inputJSON = string(data)
		}
	}

	return fmt.Sprintf(`You are executing a structured workflow. Follow the steps exactly as specified in the JSON below.

WORKFLOW STRUCTURE:
%s

EXECUTION INSTRUCTIONS:
1. Execute each step in the order presented
2. For steps with a "tool" field, you MUST use that specific tool
3. For steps with "conditions" field:
   - Evaluate each condition in order
   - Execute the "then" steps for the first condition that evaluates to true
   - For "else" conditions, execute if no previous conditions were true
4. Provide clear progress updates as you complete each step
5. If a tool is not available, explain what you would do instead

WORKFLOW STATISTICS:
- Total Steps: %d
- Conditional Branches: %d
- Maximum Nesting Depth: %d
- Has Conditional Logic: %t

AVAILABLE TOOLS:
%s

IMPORTANT TOOL USAGE:
- When a step specifies a tool, that tool MUST be used
- If the specified tool is not available, explain what you would do instead
- Use only the tools that are listed as available

WORKFLOW INPUT DATA:
%s

Begin executing the workflow now, starting with the first step.`,
		workflowJSON, summary.TotalSteps, summary.TotalConditions, summary.MaxNestingDepth,
		summary.HasConditionalLogic, toolsList, inputJSON)
}
