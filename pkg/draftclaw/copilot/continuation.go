// Package copilot – continuation.go holds the scripted instructions appended
// after a confirmation decision, so the next turn starts from what actually
// happened instead of re-reading raw tool state.
package copilot

import (
	"fmt"
)

// Outcome is what a confirmation decision led to.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomePartial   Outcome = "partial"
)

var continuationTable = map[string]map[Outcome]string{
	ToolCallEndpoint: {
		OutcomeConfirmed: "The user confirmed the endpoint call and it ran. Summarize the response for the user. " +
			"Do not call the endpoint again unless the user asks.",
		OutcomeFailed: "The user confirmed the endpoint call but it failed. Explain the error from the tool result " +
			"and propose a corrected request. Do not retry without a new confirmation.",
		OutcomeCancelled: "The user cancelled the endpoint call, so nothing was sent. Acknowledge this briefly and ask " +
			"what they would like to change. Do not call the endpoint again unprompted.",
	},
	ToolEditTool: {
		OutcomeApproved: "The user approved all proposed changes to the draft. The edited configuration is now current. " +
			"Offer to run the draft with run_tool.",
		OutcomeRejected: "The user rejected the proposed changes. The draft keeps its previous configuration. " +
			"Ask what they would like to change instead.",
		OutcomePartial: "The user approved only some of the proposed changes. The draft now reflects the appliedChanges " +
			"listed in the tool result and not the rejectedChanges. Confirm the new state and ask whether the rejected " +
			"changes need a different approach.",
	},
}

var fallbackContinuations = map[Outcome]string{
	OutcomeConfirmed: "The user confirmed the pending tool call and it ran. Continue based on its result.",
	OutcomeFailed:    "The user confirmed the pending tool call but it failed. Explain the error and suggest a fix.",
	OutcomeCancelled: "The user cancelled the pending tool call. It was not executed. Acknowledge and continue without it.",
	OutcomeApproved:  "The user approved the tool result. Treat it as final.",
	OutcomeRejected:  "The user rejected the tool result. Treat its changes as discarded.",
	OutcomePartial:   "The user approved part of the tool result. Only the applied changes are in effect.",
}

// ContinuationFor returns the instruction for a tool and outcome, falling
// back to the per-outcome default.
func ContinuationFor(toolName string, outcome Outcome) string {
	if byOutcome, ok := continuationTable[toolName]; ok {
		if text, ok := byOutcome[outcome]; ok {
			return text
		}
	}
	if text, ok := fallbackContinuations[outcome]; ok {
		return text
	}
	return fmt.Sprintf("The pending %s call was resolved (%s). Continue.", toolName, outcome)
}

// continuationMessage builds the synthetic system message for a decision.
func continuationMessage(toolName, callID string, outcome Outcome) Message {
	return Message{
		Role:      RoleSystem,
		Content:   fmt.Sprintf("[%s %s: %s] %s", toolName, callID, outcome, ContinuationFor(toolName, outcome)),
		Synthetic: true,
	}
}
