package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// CommandSpec is one command proposed by the tool server. Optional fields
// override the executor defaults for this command only.
type CommandSpec struct {
	Command     string `json:"command" jsonschema:"shell command line to run"`
	Description string `json:"description,omitempty" jsonschema:"short explanation of what the command does"`
	TimeoutSecs int    `json:"timeout_secs,omitempty" jsonschema:"deadline override in seconds"`
	WorkingDir  string `json:"working_dir,omitempty" jsonschema:"directory relative to the executor working directory"`
}

// ToolCallResult is the decoded outcome of one tools/call round trip.
type ToolCallResult struct {
	Commands []CommandSpec
	Text     string
}

// ToolDescriptor describes one tool advertised by tools/list.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

func descriptorFromTool(tool *mcp.Tool) ToolDescriptor {
	descriptor := ToolDescriptor{Name: tool.Name, Description: tool.Description}
	if tool.InputSchema != nil {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			descriptor.InputSchema = raw
		}
	}
	return descriptor
}

// DecodeToolResult turns a tool result into a command list. Structured
// content with a "commands" array wins; otherwise the text content is
// searched for a JSON array.
func DecodeToolResult(result *mcp.CallToolResult) (ToolCallResult, error) {
	if result == nil {
		return ToolCallResult{}, &MalformedError{Reason: "tool result: empty"}
	}

	text := joinText(result.Content)
	if result.IsError {
		return ToolCallResult{}, &ToolError{Message: text}
	}

	if result.StructuredContent != nil {
		raw, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return ToolCallResult{}, &MalformedError{Reason: "structured content", Err: err}
		}

		var payload struct {
			Commands []json.RawMessage `json:"commands"`
		}
		if err := json.Unmarshal(raw, &payload); err == nil && payload.Commands != nil {
			commands, err := decodeCommandItems(payload.Commands)
			if err != nil {
				return ToolCallResult{}, err
			}
			return ToolCallResult{Commands: commands, Text: text}, nil
		}
	}

	commands, err := ParseCommandList(text)
	if err != nil {
		return ToolCallResult{}, err
	}
	return ToolCallResult{Commands: commands, Text: text}, nil
}

// ParseCommandList extracts a JSON array of commands from free-form text.
// Code fences are stripped and the array is taken from the first '[' to the
// last ']'. Elements may be command objects or bare strings. Empty text
// yields an empty list.
func ParseCommandList(text string) ([]CommandSpec, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	body, ok := extractJSONArray(trimmed)
	if !ok {
		return nil, &MalformedError{Reason: "command list: no JSON array in tool output"}
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, &MalformedError{Reason: "command list", Err: err}
	}
	return decodeCommandItems(items)
}

func extractJSONArray(text string) (string, bool) {
	if fenced, ok := fencedBlock(text); ok {
		text = fenced
	}

	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

func fencedBlock(text string) (string, bool) {
	const fence = "```"

	open := strings.Index(text, fence)
	if open < 0 {
		return "", false
	}
	rest := text[open+len(fence):]
	closing := strings.Index(rest, fence)
	if closing < 0 {
		return "", false
	}
	return rest[:closing], true
}

func decodeCommandItems(items []json.RawMessage) ([]CommandSpec, error) {
	commands := make([]CommandSpec, 0, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)

		var spec CommandSpec
		if len(item) > 0 && item[0] == '"' {
			if err := json.Unmarshal(item, &spec.Command); err != nil {
				return nil, &MalformedError{Reason: fmt.Sprintf("command %d", i+1), Err: err}
			}
		} else if err := json.Unmarshal(item, &spec); err != nil {
			return nil, &MalformedError{Reason: fmt.Sprintf("command %d", i+1), Err: err}
		}

		spec.Command = strings.TrimSpace(spec.Command)
		spec.Description = strings.TrimSpace(spec.Description)
		if spec.Command == "" {
			return nil, &MalformedError{Reason: fmt.Sprintf("command %d: empty command", i+1)}
		}
		if spec.TimeoutSecs < 0 {
			return nil, &MalformedError{Reason: fmt.Sprintf("command %d: negative timeout_secs", i+1)}
		}
		commands = append(commands, spec)
	}
	return commands, nil
}

func joinText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		if text, ok := item.(*mcp.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
