package turn

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Canonical static tool names.
const (
	ToolReadFile        = "read_file"
	ToolWriteFile       = "write_file"
	ToolEditFile        = "edit_file"
	ToolListDirectory   = "list_directory"
	ToolGlob            = "glob"
	ToolGrep            = "grep"
	ToolExecuteCommand  = "execute_command"
	ToolWebFetch        = "web_fetch"
	ToolWebSearch       = "web_search"
	ToolAskUserQuestion = "ask_user_question"
	ToolTodoWrite       = "todo_write"
	ToolTodoRead        = "todo_read"
)

const maxToolNameLen = 64

// staticToolAliases normalizes session allowed-tool names. Lookup keys are
// lower-cased.
var staticToolAliases = map[string]string{
	"bash":   ToolExecuteCommand,
	"shell":  ToolExecuteCommand,
	"exec":   ToolExecuteCommand,
	"read":   ToolReadFile,
	"cat":    ToolReadFile,
	"write":  ToolWriteFile,
	"edit":   ToolEditFile,
	"ls":     ToolListDirectory,
	"list":   ToolListDirectory,
	"fetch":  ToolWebFetch,
	"webget": ToolWebFetch,
	"search": ToolWebSearch,
	"todos":  ToolTodoWrite,
	"ask":    ToolAskUserQuestion,
}

var staticToolSpecs = map[string]ToolSpec{
	ToolReadFile: {
		Name:        ToolReadFile,
		Description: "Read the contents of a file at the given path.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute or session-relative file path"}},"required":["path"]}`),
	},
	ToolWriteFile: {
		Name:        ToolWriteFile,
		Description: "Create or overwrite a file with the given content.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
	},
	ToolEditFile: {
		Name:        ToolEditFile,
		Description: "Replace an exact text snippet inside an existing file.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old_text":{"type":"string"},"new_text":{"type":"string"}},"required":["path","old_text","new_text"]}`),
	},
	ToolListDirectory: {
		Name:        ToolListDirectory,
		Description: "List the entries of a directory.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	},
	ToolGlob: {
		Name:        ToolGlob,
		Description: "Find files matching a glob pattern.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"root":{"type":"string"}},"required":["pattern"]}`),
	},
	ToolGrep: {
		Name:        ToolGrep,
		Description: "Search file contents for a regular expression.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"root":{"type":"string"}},"required":["pattern"]}`),
	},
	ToolExecuteCommand: {
		Name:        ToolExecuteCommand,
		Description: "Run a shell command in the session working directory.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"cwd":{"type":"string"}},"required":["command"]}`),
	},
	ToolWebFetch: {
		Name:        ToolWebFetch,
		Description: "Fetch the contents of a URL.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
	},
	ToolWebSearch: {
		Name:        ToolWebSearch,
		Description: "Search the web and return result snippets.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	},
	ToolAskUserQuestion: {
		Name:        ToolAskUserQuestion,
		Description: "Ask the user one or more clarifying questions and wait for the answer.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"questions":{"type":"array","items":{"type":"object","properties":{"text":{"type":"string"},"header":{"type":"string"},"options":{"type":"array","items":{"type":"object","properties":{"label":{"type":"string"},"value":{"type":"string"}},"required":["label"]}},"multi_select":{"type":"boolean"}},"required":["text"]}}},"required":["questions"]}`),
	},
	ToolTodoWrite: {
		Name:        ToolTodoWrite,
		Description: "Replace the session todo list.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"todos":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string"},"content":{"type":"string"},"status":{"type":"string"},"activeForm":{"type":"string"}},"required":["content","status"]}}},"required":["todos"]}`),
	},
	ToolTodoRead: {
		Name:        ToolTodoRead,
		Description: "Read the current session todo list.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
}

// metaToolOrder fixes the catalog position of the always-included meta
// tools so the tool list sent to the backend is deterministic.
var metaToolOrder = []string{ToolAskUserQuestion, ToolTodoWrite, ToolTodoRead}

// metaToolNames always bypass permission gating.
var metaToolNames = map[string]struct{}{
	ToolAskUserQuestion: {},
	ToolTodoWrite:       {},
	ToolTodoRead:        {},
}

func IsMetaTool(name string) bool {
	_, ok := metaToolNames[strings.TrimSpace(name)]
	return ok
}

// NormalizeStaticToolName resolves a session allowed-tool entry to its
// canonical static name, or "" when unknown.
func NormalizeStaticToolName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return ""
	}
	if alias, ok := staticToolAliases[name]; ok {
		name = alias
	}
	if _, ok := staticToolSpecs[name]; ok {
		return name
	}
	return ""
}

// BuildToolConfig resolves the session's allowed static tools plus the live
// externally-registered tools into one deterministic tool configuration.
// The meta tools (questions, todos) are always included.
func BuildToolConfig(allowedTools []string, external []ExternalTool, promptText string) *ToolConfig {
	cfg := &ToolConfig{
		Allowed:    make(map[string]struct{}),
		InvokeName: make(map[string]string),
	}

	add := func(spec ToolSpec, invokeName string) {
		cfg.Specs = append(cfg.Specs, spec)
		cfg.Allowed[spec.Name] = struct{}{}
		cfg.InvokeName[spec.Name] = invokeName
	}

	suppressWebTools := suppressStaticWebTools(promptText, external)

	seen := make(map[string]struct{}, len(allowedTools))
	for _, raw := range allowedTools {
		name := NormalizeStaticToolName(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if suppressWebTools && (name == ToolWebFetch || name == ToolWebSearch) {
			continue
		}
		spec := staticToolSpecs[name]
		spec.Strict = true
		add(spec, name)
	}

	for _, name := range metaToolOrder {
		if _, dup := seen[name]; dup {
			continue
		}
		spec := staticToolSpecs[name]
		spec.Strict = true
		add(spec, name)
	}

	for _, ext := range external {
		native := strings.TrimSpace(ext.Name)
		if native == "" {
			continue
		}
		display := deriveExternalDisplayName(native, cfg.Allowed)
		add(ToolSpec{
			Name:        display,
			Description: strings.TrimSpace(ext.Description),
			InputSchema: ext.InputSchema,
			External:    true,
		}, native)
	}

	return cfg
}

// suppressStaticWebTools reports whether the static web tools should be
// dropped for this turn: the prompt suggests browser/MCP intent and an
// external browser-family tool is registered, so the overlap would be
// redundant.
func suppressStaticWebTools(promptText string, external []ExternalTool) bool {
	prompt := strings.ToLower(promptText)
	if prompt == "" {
		return false
	}
	intent := false
	for _, marker := range []string{"browser", "screenshot", "navigate", "click", "web page", "webpage"} {
		if strings.Contains(prompt, marker) {
			intent = true
			break
		}
	}
	if !intent {
		return false
	}
	for _, ext := range external {
		if strings.Contains(strings.ToLower(ext.Name), "browser") {
			return true
		}
	}
	return false
}

func isValidDisplayName(name string) bool {
	if name == "" || len(name) > maxToolNameLen {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func sanitizeDisplayName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "tool"
	}
	if len(out) > maxToolNameLen {
		out = out[:maxToolNameLen]
	}
	return out
}

// deriveExternalDisplayName synthesizes a backend-safe display name for an
// externally-registered tool. Identical native names always produce the
// same display name; collisions within one configuration are resolved with
// a stable short hash of the native name and, if still colliding, a
// numeric counter. The hash suffix survives truncation to the length limit.
func deriveExternalDisplayName(native string, taken map[string]struct{}) string {
	if isValidDisplayName(native) {
		if _, exists := taken[native]; !exists {
			return native
		}
	}

	base := sanitizeDisplayName(native)
	if _, exists := taken[base]; !exists {
		return base
	}
	candidate := withSuffix(base, "_"+shortHash(native))
	if _, exists := taken[candidate]; !exists {
		return candidate
	}
	for i := 2; ; i++ {
		numbered := withSuffix(base, fmt.Sprintf("_%s_%d", shortHash(native), i))
		if _, exists := taken[numbered]; !exists {
			return numbered
		}
	}
}

// withSuffix appends suffix to base, truncating base so the result fits the
// name length limit with the suffix intact.
func withSuffix(base string, suffix string) string {
	maxBase := maxToolNameLen - len(suffix)
	if maxBase < 1 {
		maxBase = 1
	}
	if len(base) > maxBase {
		base = base[:maxBase]
	}
	return base + suffix
}
