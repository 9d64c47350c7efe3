package server

// Request payloads. Enumerated fields deliberately carry no enum
// constraint: the stored design passes arbitrary strings through
// unchecked and sorting falls back to the default rank for unknown
// values.

type CreateTaskRequest struct {
	ID          *string        `json:"id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	State       *string        `json:"state,omitempty" example:"pending"`
	OwningAgent *string        `json:"owning_agent,omitempty"`
	Priority    *string        `json:"priority,omitempty" example:"normal"`
	CreatedAt   *string        `json:"created_at,omitempty" format:"date-time"`
	Result      *string        `json:"result,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type CreateDiagnosticRequest struct {
	ID          *string        `json:"id,omitempty"`
	Kind        string         `json:"kind" example:"system"`
	Description string         `json:"description"`
	Severity    *string        `json:"severity,omitempty" example:"info"`
	Timestamp   *string        `json:"timestamp,omitempty" format:"date-time"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

type CreateFixRequest struct {
	ID           *string `json:"id,omitempty"`
	DiagnosticID *string `json:"diagnostic_id,omitempty"`
	Description  string  `json:"description"`
	Code         *string `json:"code,omitempty"`
	Applied      bool    `json:"applied,omitempty"`
	Timestamp    *string `json:"timestamp,omitempty" format:"date-time"`
	Result       *string `json:"result,omitempty"`
}

type CreateSuggestionRequest struct {
	ID          *string        `json:"id,omitempty"`
	Kind        string         `json:"kind" example:"optimization"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    *string        `json:"priority,omitempty" example:"medium"`
	Implemented bool           `json:"implemented,omitempty"`
	Timestamp   *string        `json:"timestamp,omitempty" format:"date-time"`
	Details     map[string]any `json:"details,omitempty"`
}

// BannerResponse is the liveness/identity banner at the root path.
type BannerResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
