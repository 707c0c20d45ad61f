// Package validator enforces the review-model output contract: a versioned
// schema, per-finding validation with safe coercions, and reconciliation of
// finding paths against the changelist's changed files.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/DemonGiggle/criticizer/internal/models"
	"github.com/DemonGiggle/criticizer/internal/redact"
)

var (
	schemaVersionRe = regexp.MustCompile(`^\d+\.\d+$`)
	promptVersionRe = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)
	digitsRe        = regexp.MustCompile(`^\d+$`)
)

// Config pins the accepted schema and prompt lines.
type Config struct {
	SchemaMajor      int
	SchemaMinorFloor int
	// PromptMajorMinor is the accepted "major.minor" prompt line.
	PromptMajorMinor string
	// AllowPatchDrift accepts any patch level within PromptMajorMinor.
	AllowPatchDrift bool
}

// Outcome is the result of validating one raw payload.
type Outcome struct {
	Result      models.ReviewResult
	Diagnostics []Diagnostic
	Rejected    bool
}

// Validator applies the output contract. Validate is deterministic: the same
// payload and changed files always yield the same result and diagnostics.
type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs the normative sequence: parse, top-level schema, version
// compatibility, per-finding coercion and validation, path reconciliation.
// Finding-level problems drop the finding; only payload-level problems reject.
func (v *Validator) Validate(raw []byte, changedFiles []string, correlationID string) Outcome {
	rec := NewRecorder(correlationID)

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		rec.emit(Diagnostic{Code: CodeInvalidJSON, Field: "payload", Reason: "json_parse_error",
			Detail: map[string]any{"error": redact.Clean(err.Error())}})
		return reject(rec)
	}
	if parsed == nil {
		rec.emit(Diagnostic{Code: CodeSchemaMismatch, Field: "payload", Reason: "top_level_not_object"})
		return reject(rec)
	}

	schemaVersion, ok := requireString(parsed, "schema_version", rec)
	if !ok {
		return reject(rec)
	}
	promptVersion, ok := requireString(parsed, "prompt_version", rec)
	if !ok {
		return reject(rec)
	}
	rawFindings, present := parsed["findings"]
	if !present {
		rec.emit(Diagnostic{Code: CodeMissingRequiredField, Field: "findings", Reason: "missing_required_field"})
		return reject(rec)
	}
	findingsList, ok := rawFindings.([]any)
	if !ok {
		rec.emit(Diagnostic{Code: CodeSchemaMismatch, Field: "findings", Reason: "findings_not_array"})
		return reject(rec)
	}

	if !v.schemaVersionOK(schemaVersion) {
		rec.emit(Diagnostic{Code: CodeIncompatibleVersion, Field: "schema_version",
			Reason: "schema_version_out_of_line",
			Detail: map[string]any{"value": schemaVersion, "expected_major": v.cfg.SchemaMajor, "minor_floor": v.cfg.SchemaMinorFloor}})
		return reject(rec)
	}
	if !v.promptVersionOK(promptVersion) {
		rec.emit(Diagnostic{Code: CodeIncompatibleVersion, Field: "prompt_version",
			Reason: "prompt_version_out_of_line",
			Detail: map[string]any{"value": promptVersion, "expected": v.cfg.PromptMajorMinor}})
		return reject(rec)
	}

	changed := changedSet(changedFiles)
	kept := make([]models.Finding, 0, len(findingsList))
	for idx, item := range findingsList {
		if finding, ok := v.validateFinding(idx, item, changed, rec); ok {
			kept = append(kept, finding)
		}
	}

	if len(kept) == 0 {
		rec.emit(Diagnostic{Code: CodeAllFindingsDropped, Field: "findings",
			Reason: "no_valid_findings_after_validation"})
	}

	result := models.ReviewResult{
		SchemaVersion: schemaVersion,
		PromptVersion: promptVersion,
		Findings:      kept,
	}
	if summary, ok := parsed["summary"].(string); ok {
		result.Summary = summary
	}
	if meta, ok := parsed["meta"].(map[string]any); ok {
		result.Meta = meta
	}
	return Outcome{Result: result, Diagnostics: rec.Entries()}
}

var requiredFindingFields = []string{"id", "severity", "category", "title", "file", "line", "message"}

// stringFindingFields are trimmed in this fixed order so diagnostics are
// stable across runs.
var stringFindingFields = []string{"id", "severity", "category", "title", "file", "message", "suggestion", "confidence", "rule_id"}

func (v *Validator) validateFinding(idx int, item any, changed map[string]bool, rec *Recorder) (models.Finding, bool) {
	field := fmt.Sprintf("findings[%d]", idx)

	obj, ok := item.(map[string]any)
	if !ok {
		rec.emit(Diagnostic{Code: CodeFindingDropped, Field: field, Reason: CodeSchemaMismatch,
			Detail: map[string]any{"finding_index": idx, "problem": "finding_not_object"}})
		return models.Finding{}, false
	}

	var missing []string
	for _, f := range requiredFindingFields {
		if _, present := obj[f]; !present {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		rec.emit(Diagnostic{Code: CodeFindingDropped, Field: field, Reason: CodeMissingRequiredField,
			Detail: map[string]any{"finding_index": idx, "missing": missing}})
		return models.Finding{}, false
	}

	findingID, _ := obj["id"].(string)

	// Coercion order is part of the contract: trim strings, normalize the
	// file path, then parse integral numeric strings.
	for _, name := range stringFindingFields {
		value, isString := obj[name].(string)
		if !isString {
			continue
		}
		trimmed := strings.TrimSpace(value)
		if trimmed != value {
			rec.emit(coercion(findingID, name, idx, value, trimmed))
			obj[name] = trimmed
		}
	}
	if file, isString := obj["file"].(string); isString {
		normalized := NormalizeRepoPath(file)
		if normalized != file {
			rec.emit(coercion(findingID, "file", idx, file, normalized))
			obj["file"] = normalized
		}
	}
	for _, name := range []string{"line", "end_line"} {
		value, isString := obj[name].(string)
		if !isString || !digitsRe.MatchString(value) {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		rec.emit(coercion(findingID, name, idx, value, n))
		obj[name] = float64(n)
	}

	drop := func(reason, fieldName string, detail map[string]any) (models.Finding, bool) {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["finding_index"] = idx
		if file, lineOK := dropLocation(obj); lineOK {
			detail["file"] = file
		}
		rec.emit(Diagnostic{Code: CodeFindingDropped, FindingID: findingID, Field: fieldName, Reason: reason, Detail: detail})
		return models.Finding{}, false
	}

	id, _ := obj["id"].(string)
	if id == "" {
		return drop(CodeMissingRequiredField, "id", map[string]any{"problem": "empty_id"})
	}

	severity, _ := obj["severity"].(string)
	if !models.Severities[severity] {
		return drop(CodeInvalidEnumValue, "severity", map[string]any{"value": severity})
	}
	category, _ := obj["category"].(string)
	if !models.Categories[category] {
		return drop(CodeInvalidEnumValue, "category", map[string]any{"value": category})
	}
	if conf, present := obj["confidence"]; present {
		confidence, isString := conf.(string)
		if !isString || !models.Confidences[confidence] {
			return drop(CodeInvalidEnumValue, "confidence", map[string]any{"value": conf})
		}
	}

	title, _ := obj["title"].(string)
	file, _ := obj["file"].(string)
	message, _ := obj["message"].(string)
	if title == "" || file == "" || message == "" {
		return drop(CodeMissingRequiredField, "title", map[string]any{"problem": "empty_required_string"})
	}

	line, lineOK := asInt(obj["line"])
	if !lineOK || line < 1 {
		return drop(CodeInvalidLineRange, "line", map[string]any{"value": obj["line"]})
	}
	endLine := 0
	if rawEnd, present := obj["end_line"]; present {
		var endOK bool
		endLine, endOK = asInt(rawEnd)
		if !endOK || endLine < line {
			return drop(CodeInvalidLineRange, "end_line", map[string]any{"line": line, "end_line": rawEnd})
		}
	}

	if !changed[file] {
		return drop(CodeFileNotInChanged, "file", map[string]any{"line": line})
	}

	finding := models.Finding{
		ID:       id,
		Severity: severity,
		Category: category,
		Title:    title,
		File:     file,
		Line:     line,
		EndLine:  endLine,
		Message:  message,
	}
	finding.Suggestion, _ = obj["suggestion"].(string)
	finding.Confidence, _ = obj["confidence"].(string)
	finding.RuleID, _ = obj["rule_id"].(string)
	return finding, true
}

func (v *Validator) schemaVersionOK(version string) bool {
	if !schemaVersionRe.MatchString(version) {
		return false
	}
	parts := strings.SplitN(version, ".", 2)
	major, _ := strconv.Atoi(parts[0])
	minor, _ := strconv.Atoi(parts[1])
	return major == v.cfg.SchemaMajor && minor >= v.cfg.SchemaMinorFloor
}

func (v *Validator) promptVersionOK(version string) bool {
	if !promptVersionRe.MatchString(version) {
		return false
	}
	majorMinor := version
	if idx := strings.LastIndex(version, "."); strings.Count(version, ".") == 2 {
		majorMinor = version[:idx]
	}
	if majorMinor != v.cfg.PromptMajorMinor {
		return false
	}
	if !v.cfg.AllowPatchDrift && strings.Count(version, ".") == 2 {
		return version == v.cfg.PromptMajorMinor+".0"
	}
	return true
}

func coercion(findingID, field string, idx int, oldValue, newValue any) Diagnostic {
	return Diagnostic{
		Code:      CodeCoercionApplied,
		FindingID: findingID,
		Field:     field,
		Reason:    "coerced",
		Detail: map[string]any{
			"finding_index": idx,
			"old":           redactValue(oldValue),
			"new":           redactValue(newValue),
		},
	}
}

func redactValue(v any) any {
	if s, ok := v.(string); ok {
		return redact.Clean(s)
	}
	return v
}

func requireString(parsed map[string]any, field string, rec *Recorder) (string, bool) {
	raw, present := parsed[field]
	if !present {
		rec.emit(Diagnostic{Code: CodeMissingRequiredField, Field: field, Reason: "missing_required_field"})
		return "", false
	}
	value, isString := raw.(string)
	if !isString {
		rec.emit(Diagnostic{Code: CodeSchemaMismatch, Field: field, Reason: "not_a_string"})
		return "", false
	}
	return value, true
}

func reject(rec *Recorder) Outcome {
	rec.emit(Diagnostic{Code: CodeResponseRejected, Field: "payload", Reason: "payload_rejected"})
	return Outcome{Result: models.ReviewResult{Findings: []models.Finding{}}, Diagnostics: rec.Entries(), Rejected: true}
}

func dropLocation(obj map[string]any) (string, bool) {
	file, ok := obj["file"].(string)
	return file, ok && file != ""
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	default:
		return 0, false
	}
}
