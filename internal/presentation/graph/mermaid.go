package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/medflow/internal/lifecycle"
	"github.com/aretw0/medflow/pkg/domain"
)

// GraphOverlay contains one session's path to visualize on the graph.
type GraphOverlay struct {
	VisitedStatuses []domain.Status
	CurrentStatus   domain.Status
}

// OverlayOf builds the overlay from a session's status history.
func OverlayOf(s *domain.Session) *GraphOverlay {
	overlay := &GraphOverlay{CurrentStatus: s.Status}
	for _, entry := range s.StatusHistory {
		overlay.VisitedStatuses = append(overlay.VisitedStatuses, entry.Status)
	}
	return overlay
}

// GenerateMermaid produces a Mermaid flowchart of the session lifecycle.
// It applies semantic styling:
// - Draft: ((Circle))
// - Pipeline-owned: [[Subroutine]]
// - Terminal: ([Stadium])
// - Default: [Rectangle]
// Events that keep the status are drawn as self-loops. Role lists label every edge.
func GenerateMermaid(rules []lifecycle.Rule, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	pipeline := pipelineStatuses(rules)
	for _, status := range domain.Statuses {
		opener, closer := "[", "]"
		switch {
		case status == domain.StatusDraft:
			opener, closer = "((", "))"
		case status.Terminal():
			opener, closer = "([", "])"
		case pipeline[status]:
			opener, closer = "[[", "]]"
		}
		sb.WriteString(fmt.Sprintf("    %s%s\"%s\"%s\n", status, opener, status, closer))
	}

	for _, rule := range rules {
		label := fmt.Sprintf("%s<br/>%s", rule.Event, roleList(rule.Roles))
		if rule.Event == domain.EventClose {
			// Close picks its target from the pending-tests flag.
			label = fmt.Sprintf("%s<br/>%s<br/>diagnosis required", rule.Event, roleList(rule.Roles))
		}
		for _, from := range rule.From {
			targets := rule.Targets()
			if len(targets) == 0 {
				targets = []domain.Status{from}
			}
			for _, to := range targets {
				edge := fmt.Sprintf("-- \"%s\" -->", label)
				if to == from {
					edge = fmt.Sprintf("-. \"%s\" .->", label)
				}
				sb.WriteString(fmt.Sprintf("    %s %s %s\n", from, edge, to))
			}
		}
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text (color:#000) for high-contrast on light backgrounds, regardless of theme (Light/Dark)
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		seen := make(map[domain.Status]bool)
		for _, status := range overlay.VisitedStatuses {
			if !seen[status] && status.Valid() {
				seen[status] = true
				sb.WriteString(fmt.Sprintf("    class %s visited;\n", status))
			}
		}
		if overlay.CurrentStatus.Valid() {
			sb.WriteString(fmt.Sprintf("    class %s current;\n", overlay.CurrentStatus))
		}
	}

	return sb.String()
}

// pipelineStatuses marks statuses only the background pipeline can leave.
func pipelineStatuses(rules []lifecycle.Rule) map[domain.Status]bool {
	out := make(map[domain.Status]bool)
	for _, rule := range rules {
		if len(rule.Roles) == 1 && rule.Roles[0] == domain.RoleSystem {
			for _, from := range rule.From {
				out[from] = true
			}
		}
	}
	return out
}

func roleList(roles []domain.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}
