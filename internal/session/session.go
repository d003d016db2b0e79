package session

import "strings"

// Session is the authoritative per-conversation record owned by the host
// application. The turn runtime reads it and registers mount scope for the
// duration of a turn; it never mutates the allowed-tool list or paths.
type Session struct {
	ID           string   `json:"id"`
	WorkingDir   string   `json:"working_dir"`
	MountedPaths []string `json:"mounted_paths,omitempty"`

	// AllowedTools lists the static tool names enabled for this session.
	// Names are matched case-insensitively and alias-normalized by the
	// tool catalog (e.g. "bash" resolves to "execute_command").
	AllowedTools []string `json:"allowed_tools"`

	// AutoApprove bypasses the permission requester for every gated tool.
	AutoApprove bool `json:"auto_approve,omitempty"`
}

func (s *Session) Normalize() {
	if s == nil {
		return
	}
	s.ID = strings.TrimSpace(s.ID)
	s.WorkingDir = strings.TrimSpace(s.WorkingDir)

	paths := make([]string, 0, len(s.MountedPaths))
	for _, p := range s.MountedPaths {
		if v := strings.TrimSpace(p); v != "" {
			paths = append(paths, v)
		}
	}
	s.MountedPaths = paths

	tools := make([]string, 0, len(s.AllowedTools))
	for _, name := range s.AllowedTools {
		if v := strings.TrimSpace(name); v != "" {
			tools = append(tools, v)
		}
	}
	s.AllowedTools = tools
}
