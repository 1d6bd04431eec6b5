package session

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
)

// GraphFormat is a text graph notation.
type GraphFormat string

const (
	GraphMermaid GraphFormat = "mermaid"
	GraphDot     GraphFormat = "dot"
)

// graphPreviewRunes bounds the message preview in node labels.
const graphPreviewRunes = 80

// GraphFormatForPath picks dot for ".dot" destinations and mermaid otherwise.
func GraphFormatForPath(path string) GraphFormat {
	if strings.EqualFold(filepath.Ext(path), ".dot") {
		return GraphDot
	}
	return GraphMermaid
}

// ParseGraphFormat parses a graph format name.
func ParseGraphFormat(raw string) (GraphFormat, error) {
	switch GraphFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case GraphMermaid:
		return GraphMermaid, nil
	case GraphDot:
		return GraphDot, nil
	default:
		return "", fmt.Errorf("invalid graph format %q; expected mermaid or dot", raw)
	}
}

// RenderGraph renders entries as a parent-to-child graph, nodes and edges
// ordered by ascending id. The output has no trailing newline.
func RenderGraph(entries []Entry, format GraphFormat) string {
	ordered := slices.Clone(entries)
	slices.SortStableFunc(ordered, func(a, b Entry) int { return compareIDs(a.ID, b.ID) })

	if format == GraphDot {
		return renderDot(ordered)
	}
	return renderMermaid(ordered)
}

func renderMermaid(ordered []Entry) string {
	lines := []string{"graph TD"}
	if len(ordered) == 0 {
		lines = append(lines, `  empty["(empty session)"]`)
		return strings.Join(lines, "\n")
	}
	for _, entry := range ordered {
		lines = append(lines, fmt.Sprintf(`  n%d["%s"]`, entry.ID, escapeGraphLabel(nodeLabel(entry))))
	}
	for _, entry := range ordered {
		if parent, ok := entry.Parent(); ok {
			lines = append(lines, fmt.Sprintf("  n%d --> n%d", parent, entry.ID))
		}
	}
	return strings.Join(lines, "\n")
}

func renderDot(ordered []Entry) string {
	lines := []string{"digraph session {", "  rankdir=LR;"}
	if len(ordered) == 0 {
		lines = append(lines, `  empty [label="(empty session)"];`)
	}
	for _, entry := range ordered {
		lines = append(lines, fmt.Sprintf(`  n%d [label="%s"];`, entry.ID, escapeGraphLabel(nodeLabel(entry))))
	}
	for _, entry := range ordered {
		if parent, ok := entry.Parent(); ok {
			lines = append(lines, fmt.Sprintf("  n%d -> n%d;", parent, entry.ID))
		}
	}
	lines = append(lines, "}")
	return strings.Join(lines, "\n")
}

func nodeLabel(entry Entry) string {
	return fmt.Sprintf("%d: %s | %s", entry.ID, entry.Message.RoleLabel(), entry.Message.Preview(graphPreviewRunes))
}

func escapeGraphLabel(raw string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(raw)
}

// GraphExport describes a written graph file.
type GraphExport struct {
	Path   string      `json:"path"`
	Format GraphFormat `json:"format"`
	Nodes  int         `json:"nodes"`
	Edges  int         `json:"edges"`
}

// ExportGraph renders every loaded entry to path, choosing the format from
// the path suffix, and writes it atomically.
func (s *Store) ExportGraph(path string) (GraphExport, error) {
	format := GraphFormatForPath(path)
	rendered := RenderGraph(s.state.Entries, format)

	if err := writeFileAtomic(path, func(w io.Writer) error {
		if _, err := io.WriteString(w, rendered); err != nil {
			return ioError(path, "failed to write graph", err)
		}
		return nil
	}); err != nil {
		return GraphExport{}, err
	}

	export := GraphExport{Path: path, Format: format, Nodes: len(s.state.Entries)}
	for _, entry := range s.state.Entries {
		if !entry.IsRoot() {
			export.Edges++
		}
	}
	return export, nil
}
