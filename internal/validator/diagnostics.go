package validator

// Stable diagnostic codes. These strings are part of the wire contract;
// dashboards and canary alerts key on them.
const (
	CodeInvalidJSON          = "invalid_json"
	CodeSchemaMismatch       = "schema_mismatch"
	CodeMissingRequiredField = "missing_required_field"
	CodeInvalidEnumValue     = "invalid_enum_value"
	CodeInvalidLineRange     = "invalid_line_range"
	CodeFileNotInChanged     = "file_not_in_changed_files"
	CodeIncompatibleVersion  = "incompatible_version"
	CodeAllFindingsDropped   = "all_findings_dropped"
	CodeCoercionApplied      = "coercion_applied"
	CodeFindingDropped       = "finding_dropped"
	CodeResponseRejected     = "response_rejected"
)

// Diagnostic is one machine-readable validation event.
type Diagnostic struct {
	CorrelationID string         `json:"correlation_id,omitempty"`
	Code          string         `json:"code"`
	FindingID     string         `json:"finding_id,omitempty"`
	Field         string         `json:"field"`
	Reason        string         `json:"reason,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Recorder collects diagnostics in emission order.
type Recorder struct {
	correlationID string
	entries       []Diagnostic
}

// NewRecorder tags every emitted diagnostic with the correlation id.
func NewRecorder(correlationID string) *Recorder {
	return &Recorder{correlationID: correlationID}
}

func (r *Recorder) emit(d Diagnostic) {
	d.CorrelationID = r.correlationID
	r.entries = append(r.entries, d)
}

// Entries returns the collected diagnostics.
func (r *Recorder) Entries() []Diagnostic {
	return r.entries
}

// Has reports whether a diagnostic with the code was emitted.
func (r *Recorder) Has(code string) bool {
	for _, d := range r.entries {
		if d.Code == code {
			return true
		}
	}
	return false
}
