// Package workflow parses persisted step trees and renders them
// deterministically into the prompt augmentation workflow runs execute
// under. A tree is an ordered list of steps where each step is either
// an instruction (optional tool, optional nested steps) or a condition
// branch.
package workflow

import (
	"encoding/json"
	"strings"
)

// RawStep is the stored form of one step-tree node.
type RawStep struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Config      struct {
		ToolName string `json:"tool_name,omitempty"`
	} `json:"config,omitempty"`
	Conditions struct {
		Type       string `json:"type,omitempty"`
		Expression string `json:"expression,omitempty"`
	} `json:"conditions,omitempty"`
	Children []RawStep `json:"children,omitempty"`
}

// Step is one node of the parsed tree, numbered depth-first.
// Instruction nodes carry Step/StepNumber; condition branches carry
// Condition. The zero fields are omitted from the rendered JSON.
type Step struct {
	Step        string `json:"step,omitempty"`
	StepNumber  int    `json:"step_number,omitempty"`
	Description string `json:"description,omitempty"`
	Tool        string `json:"tool,omitempty"`
	Condition   string `json:"condition,omitempty"`
	Conditions  []Step `json:"conditions,omitempty"`
	Then        []Step `json:"then,omitempty"`
}

// Summary aggregates the parsed tree's shape.
type Summary struct {
	TotalSteps          int  `json:"total_steps"`
	TotalConditions     int  `json:"total_conditions"`
	MaxNestingDepth     int  `json:"max_nesting_depth"`
	HasConditionalLogic bool `json:"has_conditional_logic"`
}

// ParseSteps decodes a stored steps JSON array and parses it.
func ParseSteps(stepsJSON string) ([]Step, error) {
	var raw []RawStep
	if err := json.Unmarshal([]byte(stepsJSON), &raw); err != nil {
		return nil, err
	}
	return Parse(raw), nil
}

// Parse numbers instruction steps depth-first and converts condition
// nodes into branch form. Placeholder "Start" steps the builder UI
// inserts are filtered out.
func Parse(steps []RawStep) []Step {
	p := &parser{}
	return p.parseSteps(filterPlaceholders(steps))
}

func filterPlaceholders(steps []RawStep) []RawStep {
	out := make([]RawStep, 0, len(steps))
	for _, step := range steps {
		if step.Name == "Start" && step.Description == "Click to add steps or use the Add Node button" {
			continue
		}
		out = append(out, step)
	}
	return out
}

type parser struct {
	counter int
}

func (p *parser) parseSteps(steps []RawStep) []Step {
	var out []Step
	for _, step := range steps {
		out = append(out, p.parseStep(step))
	}
	return out
}

func (p *parser) parseStep(step RawStep) Step {
	if step.Type == "condition" {
		return p.parseCondition(step)
	}
	return p.parseInstruction(step)
}

func (p *parser) parseInstruction(step RawStep) Step {
	p.counter++
	out := Step{
		Step:        step.Name,
		StepNumber:  p.counter,
		Description: strings.TrimSpace(step.Description),
	}
	if out.Step == "" {
		out.Step = "Step"
	}

	if tool := step.Config.ToolName; tool != "" {
		// Qualified names ("server:tool") keep only the tool part.
		if idx := strings.Index(tool, ":"); idx >= 0 {
			tool = tool[idx+1:]
		}
		out.Tool = tool
	}

	if len(step.Children) > 0 {
		var conditions, instructions []RawStep
		for _, child := range step.Children {
			if child.Type == "condition" {
				conditions = append(conditions, child)
			} else {
				instructions = append(instructions, child)
			}
		}
		if len(conditions) > 0 {
			out.Conditions = p.parseSteps(conditions)
		}
		if len(instructions) > 0 {
			out.Then = p.parseSteps(instructions)
		}
	}

	return out
}

func (p *parser) parseCondition(step RawStep) Step {
	expression := strings.TrimSpace(step.Conditions.Expression)

	var condition string
	switch step.Conditions.Type {
	case "elseif":
		if expression == "" {
			expression = "true"
		}
		condition = "else if " + expression
	case "else":
		condition = "else"
	default: // "if"
		condition = expression
		if condition == "" {
			condition = "true"
		}
	}

	out := Step{Condition: condition}
	if len(step.Children) > 0 {
		out.Then = p.parseSteps(step.Children)
	}
	return out
}

// Summarize computes the tree statistics.
func Summarize(steps []Step) Summary {
	total, conditions, depth := countRecursive(steps)
	return Summary{
		TotalSteps:          total,
		TotalConditions:     conditions,
		MaxNestingDepth:     depth,
		HasConditionalLogic: conditions > 0,
	}
}

func countRecursive(steps []Step) (total, conditions, maxDepth int) {
	for _, step := range steps {
		if step.StepNumber > 0 {
			total++
		}
		for _, branch := range step.Conditions {
			conditions++
			if len(branch.Then) > 0 {
				subTotal, subConds, subDepth := countRecursive(branch.Then)
				total += subTotal
				conditions += subConds
				if subDepth+1 > maxDepth {
					maxDepth = subDepth + 1
				}
			}
		}
		if len(step.Then) > 0 {
			subTotal, subConds, subDepth := countRecursive(step.Then)
			total += subTotal
			conditions += subConds
			if subDepth+1 > maxDepth {
				maxDepth = subDepth + 1
			}
		}
	}
	return total, conditions, maxDepth
}
