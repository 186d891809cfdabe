package llamacpp

import (
	"fmt"
	"strings"
	"text/template"

	"SimpleLLM/internal/functions"
	"SimpleLLM/internal/runtime"
)

// DefaultSystemMessage opens every prompt that does not start with a system
// message of its own.
const DefaultSystemMessage = `You are a helpful AI assistant.

# Answer Rules
Here are some rules to keep in mind when writing your answer
1. Answer in the same language as user
2. Use function calling if that helps complete the task
3. Do not put the function call in triple backticks "` + "```" + `" with the json language tag.
4. Answer to last user question.
5. If the user asks something related to "functions" or "tools", it always refers to the Tools section described below`

// The template follows the Gemma turn format. The system message shares the
// first user turn because Gemma has no system role.
var chatTemplate = template.Must(template.New("chat").Funcs(template.FuncMap{
	"trim": strings.TrimSpace,
	"turn": turnRole,
}).Parse(`<start_of_turn>user
{{ .System }}
{{- if .Tools }}

# Tools
You may call one or more functions to assist with the user query.
You are provided with function signatures within <tools></tools> XML tags:
<tools>
{{- range .Tools }}
{{ .Name }}:
  description: {{ or .Description "No description" }}
  params:
{{- range .Parameters }}
    {{ .Name }}: {{ or .Description "No description" }}
{{- end }}
{{- end }}
</tools>
For each function call, return a json object with function name and arguments within <tool_call></tool_call> XML tags:

# Tools calling example
<tool_call>
{"function_name": "example", "arguments": {"param1": "value_param1"}}
</tool_call>
{{- end }}

# Chat history
{{- range $i, $m := .Messages }}
{{- $role := turn $m.Role }}
{{- if not (and (eq $i 0) (eq $role "user")) }}
<start_of_turn>{{ $role }}
{{- end }}
{{ trim $m.Content }}<end_of_turn>
{{- end }}
<start_of_turn>model
`))

type promptData struct {
	System   string
	Tools    []functions.Definition
	Messages []runtime.Message
}

func turnRole(role string) string {
	switch role {
	case runtime.RoleAssistant:
		return "model"
	case runtime.RoleTool:
		return "tool"
	default:
		return "user"
	}
}

// RenderPrompt renders a chat as a single Gemma-style prompt. A leading
// system message replaces DefaultSystemMessage; tools lists the functions the
// model may call during the run.
func RenderPrompt(messages []runtime.Message, tools []functions.Definition) (string, error) {
	data := promptData{System: DefaultSystemMessage, Tools: tools, Messages: messages}
	if len(messages) > 0 && messages[0].Role == runtime.RoleSystem {
		data.System = strings.TrimSpace(messages[0].Content)
		data.Messages = messages[1:]
	}

	var b strings.Builder
	if err := chatTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("llamacpp: render prompt: %w", err)
	}
	return b.String(), nil
}

// ToolMessage is the content of the tool output that ends a run after a
// successful function call.
func ToolMessage(name string, result []byte) string {
	return fmt.Sprintf("Result of function %s: %s", name, result)
}
