// Package copilot – config_patch.go applies path-addressed changes to a
// tool configuration and renders them for review. Paths use dot syntax
// ("steps.0.url", "steps.1.headers.Authorization").
package copilot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// summaryBudget is the character budget of a change summary, "..." included.
const summaryBudget = 120

// maxDiffLines caps the rendered config diff.
const maxDiffLines = 200

// Change operations.
const (
	OpSet    = "set"
	OpRemove = "remove"
)

// ConfigChange is one proposed edit of a configuration.
type ConfigChange struct {
	ID       string          `json:"id"`
	Op       string          `json:"op"`
	Path     string          `json:"path"`
	Value    json.RawMessage `json:"value,omitempty"`
	Previous json.RawMessage `json:"previous,omitempty"`
	Summary  string          `json:"summary"`
}

// ParseChanges validates raw change arguments and assigns ids
// change_1..change_N in order.
func ParseChanges(raw any) ([]ConfigChange, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("changes must be a non-empty array")
	}

	changes := make([]ConfigChange, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("change %d must be an object", i+1)
		}
		c := ConfigChange{ID: fmt.Sprintf("change_%d", i+1)}
		c.Op, _ = m["op"].(string)
		if c.Op == "" {
			c.Op = OpSet
		}
		c.Path, _ = m["path"].(string)
		c.Path = strings.TrimSpace(c.Path)
		if c.Path == "" {
			return nil, fmt.Errorf("change %d: path is required", i+1)
		}

		switch c.Op {
		case OpSet:
			v, present := m["value"]
			if !present {
				return nil, fmt.Errorf("change %d: set needs a value", i+1)
			}
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("change %d: encode value: %w", i+1, err)
			}
			c.Value = b
		case OpRemove:
		default:
			return nil, fmt.Errorf("change %d: unknown op %q (use %q or %q)", i+1, c.Op, OpSet, OpRemove)
		}
		changes = append(changes, c)
	}
	return changes, nil
}

// ApplyChanges applies changes in order and returns the new configuration
// together with the changes annotated with their previous values and
// summaries.
func ApplyChanges(config json.RawMessage, changes []ConfigChange) (json.RawMessage, []ConfigChange, error) {
	out := append([]byte(nil), config...)
	applied := make([]ConfigChange, 0, len(changes))

	for _, c := range changes {
		if prev := gjson.GetBytes(out, c.Path); prev.Exists() {
			c.Previous = json.RawMessage(prev.Raw)
		} else {
			c.Previous = nil
		}

		var err error
		switch c.Op {
		case OpSet:
			out, err = sjson.SetRawBytes(out, c.Path, c.Value)
		case OpRemove:
			out, err = sjson.DeleteBytes(out, c.Path)
		default:
			err = fmt.Errorf("unknown op %q", c.Op)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("apply %s (%s %s): %w", c.ID, c.Op, c.Path, err)
		}

		c.Summary = summarizeChange(c)
		applied = append(applied, c)
	}

	if !json.Valid(out) {
		return nil, nil, fmt.Errorf("changes produced invalid JSON")
	}
	return out, applied, nil
}

// SelectChanges splits changes into the approved ids and the rest,
// preserving order. Unknown ids are an error naming the valid ones.
func SelectChanges(changes []ConfigChange, approvedIDs []string) (approved, rejected []ConfigChange, err error) {
	want := make(map[string]bool, len(approvedIDs))
	for _, id := range approvedIDs {
		want[id] = true
	}
	valid := make([]string, 0, len(changes))
	for _, c := range changes {
		valid = append(valid, c.ID)
		if want[c.ID] {
			approved = append(approved, c)
			delete(want, c.ID)
		} else {
			rejected = append(rejected, c)
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for _, id := range approvedIDs {
			if want[id] {
				unknown = append(unknown, id)
			}
		}
		return nil, nil, fmt.Errorf("unknown change ids %s (valid: %s)", strings.Join(unknown, ", "), strings.Join(valid, ", "))
	}
	return approved, rejected, nil
}

// ChangeSummaries returns the summaries of changes in order.
func ChangeSummaries(changes []ConfigChange) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		s := c.Summary
		if s == "" {
			s = summarizeChange(c)
		}
		out = append(out, s)
	}
	return out
}

// summarizeChange renders a change as one line within summaryBudget.
func summarizeChange(c ConfigChange) string {
	var s string
	switch c.Op {
	case OpRemove:
		s = fmt.Sprintf("%s: remove %s", c.ID, c.Path)
	default:
		if len(c.Previous) > 0 {
			s = fmt.Sprintf("%s: %s %s → %s", c.ID, c.Path, compactJSON(c.Previous), compactJSON(c.Value))
		} else {
			s = fmt.Sprintf("%s: %s = %s", c.ID, c.Path, compactJSON(c.Value))
		}
	}
	return truncate(s, summaryBudget)
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// ConfigDiff renders a line diff between two configurations, both
// pretty-printed with sorted keys first. Only changed lines are shown.
func ConfigDiff(before, after json.RawMessage) string {
	a, b := prettyJSON(before), prettyJSON(after)
	if a == b {
		return ""
	}

	dmp := diffmatchpatch.New()
	aChars, bChars, lineArray := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(aChars, bChars, false), lineArray)

	var sb strings.Builder
	lines := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			continue
		}
		prefix := "+ "
		if d.Type == diffmatchpatch.DiffDelete {
			prefix = "- "
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			if lines == maxDiffLines {
				sb.WriteString("... (diff truncated)\n")
				return sb.String()
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
			lines++
		}
	}
	return sb.String()
}

// prettyJSON re-encodes through a generic value so object keys are sorted.
func prettyJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(b) + "\n"
}
