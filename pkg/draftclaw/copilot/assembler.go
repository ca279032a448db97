// Package copilot – assembler.go merges streamed tool-call fragments into
// complete invocations. Providers deliver a call as a series of deltas that
// share a positional index; only some of them carry the stable call id.
package copilot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ToolCallFragment is one partial tool-call delta from the completion stream.
type ToolCallFragment struct {
	Index          int    `json:"index"`
	CallID         string `json:"call_id,omitempty"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// AssembledCall is a complete, parsed tool invocation.
type AssembledCall struct {
	ID           string
	Name         string
	Arguments    map[string]any
	RawArguments string
}

// toolInvocation accumulates the fragments of one call.
type toolInvocation struct {
	callID      string
	provisional bool
	name        strings.Builder
	args        strings.Builder
}

// Assembler accumulates fragments for a single streamed round. It is not
// safe for concurrent use; one stream has exactly one consumer.
type Assembler struct {
	indexToID    map[int]string
	accumulators map[string]*toolInvocation
	order        []string

	// newID generates ids for calls whose provider never sent one.
	newID func() string
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		indexToID:    make(map[int]string),
		accumulators: make(map[string]*toolInvocation),
		newID:        func() string { return "call_" + uuid.New().String() },
	}
}

// provisionalID is the temporary key used for an index that has not been
// given a provider call id yet.
func provisionalID(index int) string {
	return fmt.Sprintf("#index:%d", index)
}

// Add merges one fragment.
func (a *Assembler) Add(f ToolCallFragment) {
	id := a.resolveID(f)
	acc := a.accumulators[id]
	acc.name.WriteString(f.Name)
	acc.args.WriteString(f.ArgumentsDelta)
}

// resolveID maps the fragment to its accumulator, creating or renaming
// accumulators as ids become known.
func (a *Assembler) resolveID(f ToolCallFragment) string {
	if f.CallID == "" {
		if id, ok := a.indexToID[f.Index]; ok {
			return id
		}
		id := provisionalID(f.Index)
		a.indexToID[f.Index] = id
		a.create(id, true)
		return id
	}

	if prev, ok := a.indexToID[f.Index]; ok && prev != f.CallID {
		if acc := a.accumulators[prev]; acc != nil && acc.provisional {
			a.promote(prev, f.CallID)
		}
	}
	a.indexToID[f.Index] = f.CallID
	if _, ok := a.accumulators[f.CallID]; !ok {
		a.create(f.CallID, false)
	}
	return f.CallID
}

func (a *Assembler) create(id string, provisional bool) {
	a.accumulators[id] = &toolInvocation{callID: id, provisional: provisional}
	a.order = append(a.order, id)
}

// promote re-keys a provisional accumulator under the provider id that
// arrived later for the same index. If the provider id already has an
// accumulator, the provisional text is folded into it.
func (a *Assembler) promote(tmp, callID string) {
	acc := a.accumulators[tmp]
	delete(a.accumulators, tmp)

	if existing, ok := a.accumulators[callID]; ok {
		existing.name.WriteString(acc.name.String())
		existing.args.WriteString(acc.args.String())
		a.order = removeString(a.order, tmp)
		return
	}

	acc.callID = callID
	acc.provisional = false
	a.accumulators[callID] = acc
	for i, id := range a.order {
		if id == tmp {
			a.order[i] = callID
			break
		}
	}
}

// Finish decodes every accumulator in first-seen order. Accumulators with
// an empty name, blank arguments or arguments that do not decode to a JSON
// object are provider noise and are dropped.
func (a *Assembler) Finish() []AssembledCall {
	var calls []AssembledCall
	for _, id := range a.order {
		acc := a.accumulators[id]
		if acc == nil {
			continue
		}
		name := strings.TrimSpace(acc.name.String())
		raw := strings.TrimSpace(acc.args.String())
		if name == "" || raw == "" {
			continue
		}

		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
			continue
		}

		callID := acc.callID
		if acc.provisional {
			callID = a.newID()
		}
		calls = append(calls, AssembledCall{
			ID:           callID,
			Name:         name,
			Arguments:    args,
			RawArguments: raw,
		})
	}
	return calls
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
