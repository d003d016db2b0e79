package turn

import (
	"context"
	"fmt"
	"strings"
)

// Permission categories for the static tools. External tools share one
// category; any other tool falls back to its own name.
const (
	PermissionCategoryWrite     = "write"
	PermissionCategoryEdit      = "edit"
	PermissionCategoryBash      = "bash"
	PermissionCategoryRead      = "read"
	PermissionCategoryWebFetch  = "web_fetch"
	PermissionCategoryWebSearch = "web_search"
	PermissionCategoryExternal  = "external"
)

var toolPermissionCategories = map[string]string{
	ToolWriteFile:      PermissionCategoryWrite,
	ToolEditFile:       PermissionCategoryEdit,
	ToolExecuteCommand: PermissionCategoryBash,
	ToolReadFile:       PermissionCategoryRead,
	ToolListDirectory:  PermissionCategoryRead,
	ToolGlob:           PermissionCategoryRead,
	ToolGrep:           PermissionCategoryRead,
	ToolWebFetch:       PermissionCategoryWebFetch,
	ToolWebSearch:      PermissionCategoryWebSearch,
}

// PermissionCategoryFor maps a tool to its coarse permission category.
func PermissionCategoryFor(toolName string, external bool) string {
	name := strings.TrimSpace(toolName)
	if external {
		return PermissionCategoryExternal
	}
	if cat, ok := toolPermissionCategories[name]; ok {
		return cat
	}
	return name
}

// PermissionGate decides whether a tool invocation may proceed. Decisions
// of kind allow_always are memoized per category in the session registry
// for the gate's lifetime; meta tools and auto-approve sessions bypass the
// requester entirely.
type PermissionGate struct {
	registry  *SessionRegistry
	requester PermissionRequester

	// autoApprove bypasses all gating when set (configuration default).
	autoApprove bool
}

func NewPermissionGate(registry *SessionRegistry, requester PermissionRequester, autoApprove bool) *PermissionGate {
	return &PermissionGate{registry: registry, requester: requester, autoApprove: autoApprove}
}

// Check resolves a single permission decision. It returns nil when the
// call may proceed and ErrPermissionDenied when the requester denied it.
func (g *PermissionGate) Check(ctx context.Context, sessionID string, toolUseID string, toolName string, external bool, input map[string]any) error {
	if g == nil {
		return fmt.Errorf("permission gate not configured")
	}
	name := strings.TrimSpace(toolName)
	if IsMetaTool(name) {
		return nil
	}
	if g.autoApprove {
		return nil
	}
	if g.registry.AutoApproved(sessionID) {
		return nil
	}
	category := PermissionCategoryFor(name, external)
	if g.registry != nil && g.registry.AlwaysAllowed(category) {
		return nil
	}
	if g.requester == nil {
		return fmt.Errorf("no permission requester: %w", ErrPermissionDenied)
	}

	decision, err := g.requester.RequestPermission(ctx, sessionID, toolUseID, name, input)
	if err != nil {
		return err
	}
	switch strings.TrimSpace(decision) {
	case PermissionAllow:
		return nil
	case PermissionAllowAlways:
		if g.registry != nil {
			g.registry.MemoizeAlwaysAllow(category)
		}
		return nil
	default:
		return ErrPermissionDenied
	}
}
