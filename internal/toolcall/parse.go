package toolcall

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Call is a parsed function call request.
type Call struct {
	Name      string          `json:"function_name"`
	Arguments json.RawMessage `json:"arguments"`
}

var (
	errNoName      = errors.New("toolcall: missing function_name or name")
	errNoArguments = errors.New("toolcall: arguments must be an object")
)

// Parse decodes a call payload. The function name may be given as
// "function_name" or "name"; "function_name" wins when both are present.
// "arguments" must be a JSON object.
func Parse(payload string) (*Call, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &obj); err != nil {
		return nil, fmt.Errorf("toolcall: decode payload: %w", err)
	}

	raw, ok := obj["function_name"]
	if !ok {
		raw, ok = obj["name"]
	}
	if !ok {
		return nil, errNoName
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil || name == "" {
		return nil, errNoName
	}

	args, ok := obj["arguments"]
	if !ok || !isObject(args) {
		return nil, errNoArguments
	}

	return &Call{Name: name, Arguments: args}, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
