package domain

// Task is a unit of work handed to the orchestration process.
// State and priority are free-form strings; the documented value sets
// (state: pending, in_progress, done, failed; priority: low, normal,
// high, critical) are conventions, not validated constraints.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	State       string         `json:"state" example:"pending"`
	OwningAgent *string        `json:"owning_agent,omitempty"`
	Priority    string         `json:"priority" example:"normal"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   *string        `json:"updated_at,omitempty" format:"date-time"`
	Result      *string        `json:"result,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Diagnostic records an observed problem in the system, an agent, a
// task, or a connection.
type Diagnostic struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind" example:"system"`
	Description string         `json:"description"`
	Severity    string         `json:"severity" example:"info"`
	Timestamp   string         `json:"timestamp" format:"date-time"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

// Fix is a proposed or applied remedy. DiagnosticID is a soft
// reference: it names a Diagnostic id without any existence check.
type Fix struct {
	ID           string  `json:"id"`
	DiagnosticID *string `json:"diagnostic_id,omitempty"`
	Description  string  `json:"description"`
	Code         *string `json:"code,omitempty"`
	Applied      bool    `json:"applied"`
	Timestamp    string  `json:"timestamp" format:"date-time"`
	Result       *string `json:"result,omitempty"`
}

// Suggestion is an improvement idea surfaced by the assistant.
type Suggestion struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind" example:"optimization"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority" example:"medium"`
	Implemented bool           `json:"implemented"`
	Timestamp   string         `json:"timestamp" format:"date-time"`
	Details     map[string]any `json:"details,omitempty"`
}
