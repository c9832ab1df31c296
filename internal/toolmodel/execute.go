package toolmodel

// ExecuteRequest is the (code, optional per-call registry overlay) pair
// passed to a single execution. A non-empty Overlay limits which
// callback-backed tools this one execute can see to the ids it lists;
// MCP-backed tools are unaffected. The execute MCP tool fills it from its
// callback_overlay argument.
type ExecuteRequest struct {
	Code    string
	Overlay []FunctionID
}

// ExecuteError is the structured error an unsuccessful ExecuteOutput
// carries. Kind matches one row of taxonomy.
type ExecuteError struct {
	Kind    string
	Message string
	Stack   string
}

// ExecuteOutput is (success, value, stdout, stderr, error)
// tuple, and the JSON body returned by the execute MCP tool and the
// execute bridge method alike.
type ExecuteOutput struct {
	Success bool          `json:"success"`
	Value   any           `json:"value,omitempty"`
	Stdout  []string      `json:"stdout"`
	Stderr  []string      `json:"stderr"`
	Error   *ExecuteError `json:"error,omitempty"`
}
