// Package copilot – draft_tools.go implements the tools the assistant uses
// to build, edit and run integration drafts, and to call arbitrary HTTP
// endpoints on the user's behalf.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Tool names.
const (
	ToolBuildTool    = "build_tool"
	ToolEditTool     = "edit_tool"
	ToolRunTool      = "run_tool"
	ToolCallEndpoint = "call_endpoint"
)

// maxEndpointBody caps the response body kept from call_endpoint.
const maxEndpointBody = 20_000

// DraftTools binds the draft tools to a backend and an optional vault.
type DraftTools struct {
	backend         Backend
	vault           *Vault
	httpClient      *http.Client
	endpointTimeout time.Duration
	logger          *slog.Logger
}

// NewDraftTools creates the draft tools. vault may be nil; credential
// placeholders then fail with a hint to create one.
func NewDraftTools(backend Backend, vault *Vault, endpointTimeout time.Duration, logger *slog.Logger) *DraftTools {
	if endpointTimeout <= 0 {
		endpointTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DraftTools{
		backend:         backend,
		vault:           vault,
		httpClient:      &http.Client{},
		endpointTimeout: endpointTimeout,
		logger:          logger.With("component", "draft_tools"),
	}
}

// Register adds the four tools to reg.
func (d *DraftTools) Register(reg *ToolRegistry) error {
	tools := []Tool{
		{
			Name: ToolBuildTool,
			Description: "Generate a new integration draft from a natural-language instruction. " +
				"Returns a draftId to use with edit_tool and run_tool. Drafts are not saved.",
			Parameters: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"instruction": map[string]any{
						"type":        "string",
						"description": "What the integration should do.",
					},
					"systemIds": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Systems the integration may call.",
					},
					"payload": map[string]any{
						"type":        "object",
						"description": "Sample input. Values may be file::<key> references to uploaded files.",
					},
					"responseSchema": map[string]any{
						"type":        "object",
						"description": "JSON schema the output must satisfy.",
					},
				},
				"required": []string{"instruction"},
			}),
			Tier:    TierNone,
			Handler: d.buildTool,
		},
		{
			Name: ToolEditTool,
			Description: "Propose changes to an existing draft. Each change sets or removes a value at a dot path " +
				"such as steps.0.url. The user reviews the changes before they take effect.",
			Parameters: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"draftId": map[string]any{"type": "string"},
					"changes": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"op":    map[string]any{"type": "string", "enum": []string{OpSet, OpRemove}},
								"path":  map[string]any{"type": "string"},
								"value": map[string]any{},
							},
							"required": []string{"path"},
						},
					},
				},
				"required": []string{"draftId", "changes"},
			}),
			Tier:    TierPostExec,
			Handler: d.editTool,
			Approve: approveEdit,
		},
		{
			Name:        ToolRunTool,
			Description: "Run a draft (by draftId) or a saved tool (by toolId) with the given inputs.",
			Parameters: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"draftId": map[string]any{"type": "string"},
					"toolId":  map[string]any{"type": "string"},
					"inputs": map[string]any{
						"type":        "object",
						"description": "Tool inputs. Values may be file::<key> references.",
					},
					"credentials": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Names of vault secrets to pass to the run.",
					},
					"timeoutMs": map[string]any{"type": "integer"},
				},
			}),
			Tier:    TierNone,
			Handler: d.runTool,
		},
		{
			Name: ToolCallEndpoint,
			Description: "Send one HTTP request. The user must confirm before it is sent. " +
				"Use <<name>> to insert a vault secret into the url, headers or body.",
			Parameters: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":     map[string]any{"type": "string"},
					"method":  map[string]any{"type": "string", "description": "Defaults to GET."},
					"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
					"body":    map[string]any{"description": "String or JSON value."},
				},
				"required": []string{"url"},
			}),
			Tier:    TierPreExec,
			Handler: d.callEndpoint,
		},
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// ---------- build_tool ----------

func (d *DraftTools) buildTool(ctx context.Context, args map[string]any) (any, error) {
	instruction, _ := args["instruction"].(string)
	if strings.TrimSpace(instruction) == "" {
		return nil, &ToolError{Message: "instruction is required", Suggestion: "Describe what the integration should do."}
	}

	req := BuildRequest{
		Instruction: instruction,
		SystemIDs:   stringList(args["systemIds"]),
	}
	if p, ok := args["payload"].(map[string]any); ok {
		req.Payload = p
	}
	if s, ok := args["responseSchema"]; ok && s != nil {
		b, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode responseSchema: %w", err)
		}
		req.ResponseSchema = b
	}

	cfg, err := d.backend.BuildTool(ctx, req)
	if err != nil {
		return nil, err
	}

	draftID := "draft_" + uuid.New().String()
	cfg.ID = draftID
	if cfg.Instruction == "" {
		cfg.Instruction = instruction
	}
	systemIDs := req.SystemIDs
	if len(systemIDs) == 0 {
		systemIDs = cfg.SystemIDs()
	}

	d.logger.Info("draft built", "draft_id", draftID, "steps", len(cfg.Steps))
	return map[string]any{
		"success":     true,
		"draftId":     draftID,
		"config":      cfg,
		"systemIds":   systemIDs,
		"instruction": cfg.Instruction,
	}, nil
}

// ---------- edit_tool ----------

func (d *DraftTools) editTool(ctx context.Context, args map[string]any) (any, error) {
	draftID, _ := args["draftId"].(string)
	lookup, ok := ResolveDraft(TranscriptFromContext(ctx), draftID)
	if !ok {
		return nil, &ToolError{
			Message:    fmt.Sprintf("draft %q not found", draftID),
			Suggestion: "Create a new draft with build_tool instead of editing.",
		}
	}

	changes, err := ParseChanges(args["changes"])
	if err != nil {
		return nil, &ToolError{Message: err.Error(), Suggestion: "Send changes as [{\"op\":\"set\",\"path\":\"steps.0.url\",\"value\":...}]."}
	}

	original, err := json.Marshal(lookup.Config)
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	edited, applied, err := ApplyChanges(original, changes)
	if err != nil {
		return nil, &ToolError{Message: err.Error(), Suggestion: "Check the change paths against the current config."}
	}

	if edited, err = sjson.SetBytes(edited, "id", draftID); err != nil {
		return nil, fmt.Errorf("set draft id: %w", err)
	}
	var cfg ToolConfiguration
	if err := json.Unmarshal(edited, &cfg); err != nil {
		return nil, &ToolError{
			Message:    fmt.Sprintf("edited config is not a valid tool: %v", err),
			Suggestion: "Keep field types intact, e.g. steps must stay an array of objects.",
		}
	}

	return map[string]any{
		"success":        true,
		"draftId":        draftID,
		"config":         json.RawMessage(edited),
		"originalConfig": json.RawMessage(original),
		"systemIds":      dedupeStrings(append(append([]string(nil), lookup.SystemIDs...), cfg.SystemIDs()...)),
		"instruction":    lookup.Instruction,
		"changes":        applied,
		"diff":           ConfigDiff(original, edited),
		"message":        "Changes proposed. They take effect once the user approves them.",
	}, nil
}

// outputEdit sets one path of a tool output.
type outputEdit struct {
	path  string
	value any
}

// setFields applies edits to out in order.
func setFields(out json.RawMessage, edits ...outputEdit) (json.RawMessage, error) {
	for _, e := range edits {
		next, err := sjson.SetBytes(out, e.path, e.value)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", e.path, err)
		}
		out = next
	}
	return out, nil
}

// approveEdit rewrites a pending edit_tool output for the user's decision.
func approveEdit(output json.RawMessage, decision PostExecDecision) (json.RawMessage, error) {
	var changes []ConfigChange
	if err := json.Unmarshal([]byte(gjson.GetBytes(output, "changes").Raw), &changes); err != nil {
		return nil, fmt.Errorf("decode changes: %w", err)
	}
	original := gjson.GetBytes(output, "originalConfig")
	if !original.IsObject() {
		return nil, fmt.Errorf("pending edit has no original config")
	}

	out := append(json.RawMessage(nil), output...)

	switch decision.State {
	case PostExecApproved:
		return setFields(out,
			outputEdit{"userApproved", true},
			outputEdit{"appliedChanges", ChangeSummaries(changes)},
			outputEdit{"message", "The user approved every change."},
		)

	case PostExecRejected:
		reverted, err := sjson.SetRawBytes(out, "config", []byte(original.Raw))
		if err != nil {
			return nil, fmt.Errorf("revert config: %w", err)
		}
		return setFields(reverted,
			outputEdit{"userApproved", false},
			outputEdit{"rejectedChanges", ChangeSummaries(changes)},
			outputEdit{"diff", ""},
			outputEdit{"message", "The user rejected the changes. The draft is unchanged."},
		)

	case PostExecPartial:
		approved, rejected, err := SelectChanges(changes, decision.ApprovedIDs)
		if err != nil {
			return nil, err
		}
		cfg, applied, err := ApplyChanges(json.RawMessage(original.Raw), approved)
		if err != nil {
			return nil, fmt.Errorf("apply approved changes: %w", err)
		}
		withCfg, err := sjson.SetRawBytes(out, "config", cfg)
		if err != nil {
			return nil, fmt.Errorf("set config: %w", err)
		}
		return setFields(withCfg,
			outputEdit{"userApproved", true},
			outputEdit{"appliedChanges", ChangeSummaries(applied)},
			outputEdit{"rejectedChanges", ChangeSummaries(rejected)},
			outputEdit{"diff", ConfigDiff(json.RawMessage(original.Raw), cfg)},
			outputEdit{"message", fmt.Sprintf("The user approved %d of %d changes.", len(approved), len(changes))},
		)

	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, decision.State)
	}
}

// ---------- run_tool ----------

func (d *DraftTools) runTool(ctx context.Context, args map[string]any) (any, error) {
	draftID, _ := args["draftId"].(string)
	toolID, _ := args["toolId"].(string)

	req := RunRequest{RunID: uuid.New().String()}
	if in, ok := args["inputs"].(map[string]any); ok {
		req.Inputs = in
	}
	req.Options = &RunOptions{TraceID: CallIDFromContext(ctx)}
	if ms, ok := args["timeoutMs"].(float64); ok && ms > 0 {
		req.Options.Timeout = int(ms)
	}
	if names := stringList(args["credentials"]); len(names) > 0 {
		if d.vault == nil || !d.vault.IsUnlocked() {
			return nil, &ToolError{
				Message:    "credentials requested but the vault is not available",
				Suggestion: "Ask the user to run `draftclaw vault init` or unlock the vault.",
			}
		}
		creds, err := d.vault.Credentials(names)
		if err != nil {
			return nil, &ToolError{Message: err.Error(), Suggestion: "Use one of the stored secret names."}
		}
		req.Credentials = creds
	}

	var (
		run *Run
		err error
	)
	switch {
	case draftID != "":
		lookup, ok := ResolveDraft(TranscriptFromContext(ctx), draftID)
		if !ok {
			return nil, &ToolError{
				Message:    fmt.Sprintf("draft %q not found", draftID),
				Suggestion: "Build the draft again with build_tool.",
			}
		}
		run, err = d.backend.RunDraft(ctx, lookup.Config, req)
	case toolID != "":
		run, err = d.backend.RunTool(ctx, toolID, req)
	default:
		return nil, &ToolError{Message: "draftId or toolId is required", Suggestion: "Pass the draftId returned by build_tool."}
	}
	if err != nil {
		return nil, err
	}

	d.logger.Info("run finished", "call_id", CallIDFromContext(ctx), "run_id", run.RunID, "status", run.Status, "duration_ms", run.Metadata.DurationMs)

	result := map[string]any{
		"success":    run.Status == RunSuccess,
		"runId":      run.RunID,
		"status":     run.Status,
		"durationMs": run.Metadata.DurationMs,
	}
	if draftID != "" {
		result["draftId"] = draftID
	} else {
		result["toolId"] = toolID
	}
	if len(run.Data) > 0 {
		result["data"] = run.Data
	}
	if run.Error != "" {
		result["error"] = run.Error
		result["suggestion"] = "Inspect the failing step and fix it with edit_tool."
	}
	return result, nil
}

// ---------- call_endpoint ----------

func (d *DraftTools) callEndpoint(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	target, err := d.substitute(rawURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ToolError{Message: fmt.Sprintf("invalid url %q", rawURL), Suggestion: "Use an absolute http or https URL."}
	}

	var body io.Reader
	var bodyIsJSON bool
	switch b := args["body"].(type) {
	case nil:
	case string:
		s, err := d.substitute(b)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(s)
	default:
		enc, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		s, err := d.substitute(string(enc))
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(s)
		bodyIsJSON = true
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.endpointTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), body)
	if err != nil {
		return nil, &ToolError{Message: err.Error(), Suggestion: "Check the method and url."}
	}
	if bodyIsJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			s, err := d.substitute(fmt.Sprint(v))
			if err != nil {
				return nil, err
			}
			req.Header.Set(k, s)
		}
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &ToolError{Message: fmt.Sprintf("request failed: %v", err), Suggestion: "Check that the host is reachable."}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxEndpointBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	d.logger.Info("endpoint called",
		"call_id", CallIDFromContext(ctx),
		"method", method,
		"host", u.Host,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	result := map[string]any{
		"success":     resp.StatusCode >= 200 && resp.StatusCode < 300,
		"status":      resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
	}
	truncated := len(data) > maxEndpointBody
	if truncated {
		data = data[:maxEndpointBody]
		result["truncated"] = true
	}
	if !truncated && json.Valid(bytes.TrimSpace(data)) && len(bytes.TrimSpace(data)) > 0 {
		result["body"] = json.RawMessage(bytes.TrimSpace(data))
	} else {
		result["body"] = string(data)
	}
	if resp.StatusCode >= 400 {
		result["suggestion"] = "The endpoint returned an error status. Check the request against the API documentation."
	}
	return result, nil
}

func (d *DraftTools) substitute(s string) (string, error) {
	out, err := SubstituteCredentials(s, d.vault)
	if err != nil {
		return "", &ToolError{Message: err.Error(), Suggestion: "Store the secret with `draftclaw vault set <name>`."}
	}
	return out, nil
}

// ---------- helpers ----------

func mustSchema(schema map[string]any) json.RawMessage {
	b, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tool schema: %v", err))
	}
	return b
}

// stringList reads a JSON array of strings, ignoring other element types.
func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return dedupeStrings(out)
}
