// Package copilot – draft_resolver.go recovers the current configuration of
// a draft by replaying the transcript backwards. Every build or edit leaves
// a record in a tool output; the newest settled record for a draft id wins.
package copilot

import (
	"encoding/json"
)

// draftProducers are the tools whose outputs define draft state.
var draftProducers = map[string]bool{
	ToolBuildTool: true,
	ToolEditTool:  true,
}

// DraftLookup is the state of a draft as of its latest record.
type DraftLookup struct {
	Config      ToolConfiguration
	SystemIDs   []string
	Instruction string

	// CallID identifies the tool part the lookup came from.
	CallID string
}

// draftRecord is the subset of a build/edit output the resolver reads.
type draftRecord struct {
	Success     *bool              `json:"success"`
	DraftID     string             `json:"draftId"`
	Config      *ToolConfiguration `json:"config"`
	SystemIDs   []string           `json:"systemIds"`
	Instruction string             `json:"instruction"`
}

// ResolveDraft returns the latest settled configuration of draftID.
// Pending records, records of failed calls and outputs that do not decode
// are skipped.
func ResolveDraft(messages []Message, draftID string) (DraftLookup, bool) {
	if draftID == "" {
		return DraftLookup{}, false
	}

	for mi := len(messages) - 1; mi >= 0; mi-- {
		msg := messages[mi]
		if msg.Role != RoleAssistant {
			continue
		}
		for pi := len(msg.Parts) - 1; pi >= 0; pi-- {
			part := msg.Parts[pi]
			if part.Type != PartTool || part.Tool == nil {
				continue
			}
			rec := part.Tool.Tool
			if !draftProducers[rec.Name] || rec.Status == ToolStatusPending {
				continue
			}
			if lookup, ok := decodeDraftRecord(rec.Output, draftID); ok {
				lookup.CallID = part.Tool.ID
				return lookup, true
			}
		}
	}
	return DraftLookup{}, false
}

func decodeDraftRecord(output json.RawMessage, draftID string) (DraftLookup, bool) {
	if len(output) == 0 {
		return DraftLookup{}, false
	}
	var rec draftRecord
	if err := json.Unmarshal(output, &rec); err != nil {
		return DraftLookup{}, false
	}
	if rec.Success != nil && !*rec.Success {
		return DraftLookup{}, false
	}
	if rec.DraftID != draftID || rec.Config == nil {
		return DraftLookup{}, false
	}

	lookup := DraftLookup{
		Config:      *rec.Config,
		SystemIDs:   rec.SystemIDs,
		Instruction: rec.Instruction,
	}
	if len(lookup.SystemIDs) == 0 {
		lookup.SystemIDs = rec.Config.SystemIDs()
	}
	if lookup.Instruction == "" {
		lookup.Instruction = rec.Config.Instruction
	}
	return lookup, true
}

// DraftIDs returns every draft id with a settled record, newest first.
func DraftIDs(messages []Message) []string {
	var ids []string
	for mi := len(messages) - 1; mi >= 0; mi-- {
		if messages[mi].Role != RoleAssistant {
			continue
		}
		parts := messages[mi].ToolParts()
		for pi := len(parts) - 1; pi >= 0; pi-- {
			rec := parts[pi].Tool
			if !draftProducers[rec.Name] || rec.Status == ToolStatusPending || len(rec.Output) == 0 {
				continue
			}
			var r draftRecord
			if json.Unmarshal(rec.Output, &r) != nil || r.DraftID == "" {
				continue
			}
			if r.Success != nil && !*r.Success {
				continue
			}
			ids = append(ids, r.DraftID)
		}
	}
	return dedupeStrings(ids)
}
