package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"opsledger/internal/config"
	"opsledger/internal/domain"
	"opsledger/internal/events"
	"opsledger/internal/store"
)

// Engine holds the record store and services every operation the API
// and CLI expose. It keeps no state between calls; the collection
// files are the single source of truth, reloaded on every operation.
type Engine struct {
	Store  *store.Store
	Events *events.Writer
	Config *config.Config
	Now    func() time.Time
}

// New wires an Engine over a data directory.
func New(s *store.Store, cfg *config.Config) Engine {
	return Engine{
		Store:  s,
		Events: &events.Writer{Path: filepath.Join(s.Dir(), "events.jsonl")},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) journal(evtType, entity, entityID string, payload events.EventPayload) {
	if e.Events == nil {
		return
	}
	// Journaling is observability, not part of the write contract.
	_ = e.Events.Append(evtType, entity, entityID, payload)
}

var ErrNotFound = errors.New("not found")

// NotFoundError reports an unknown record id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// normalizeLimit clamps a head-limit into the documented 1-1000 range,
// defaulting to 100.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func head[T any](records []T, limit int) []T {
	limit = normalizeLimit(limit)
	if len(records) > limit {
		return records[:limit]
	}
	return records
}

// Rank tables. Lower rank sorts earlier. Unknown values take the rank
// of the entity's default, so malformed data still sorts
// deterministically instead of erroring.

func taskPriorityRank(priority string) int {
	switch priority {
	case "critical":
		return 0
	case "high":
		return 1
	case "normal":
		return 2
	case "low":
		return 3
	default:
		return 2
	}
}

func severityRank(severity string) int {
	switch severity {
	case "critical":
		return 0
	case "error":
		return 1
	case "warning":
		return 2
	case "info":
		return 3
	default:
		return 3
	}
}

func suggestionPriorityRank(priority string) int {
	switch priority {
	case "high":
		return 0
	case "medium":
		return 1
	case "low":
		return 2
	default:
		return 1
	}
}

// Order functions, one per entity. Timestamps are RFC 3339 strings, so
// lexicographic comparison is chronological.

// byTaskOrder: most urgent first, oldest first within a priority.
func byTaskOrder(a, b domain.Task) bool {
	ra, rb := taskPriorityRank(a.Priority), taskPriorityRank(b.Priority)
	if ra != rb {
		return ra < rb
	}
	return a.CreatedAt < b.CreatedAt
}

// byDiagnosticOrder: most severe first, most recent first within a
// severity.
func byDiagnosticOrder(a, b domain.Diagnostic) bool {
	ra, rb := severityRank(a.Severity), severityRank(b.Severity)
	if ra != rb {
		return ra < rb
	}
	return a.Timestamp > b.Timestamp
}

// byFixOrder: most recent first.
func byFixOrder(a, b domain.Fix) bool {
	return a.Timestamp > b.Timestamp
}

// bySuggestionOrder: highest priority first, oldest first within a
// priority.
func bySuggestionOrder(a, b domain.Suggestion) bool {
	ra, rb := suggestionPriorityRank(a.Priority), suggestionPriorityRank(b.Priority)
	if ra != rb {
		return ra < rb
	}
	return a.Timestamp < b.Timestamp
}

// TaskCreateOptions are parameters for creating a task. ID is
// server-generated unless supplied.
type TaskCreateOptions struct {
	ID          string
	Title       string
	Description string
	State       string
	OwningAgent *string
	Priority    string
	CreatedAt   string
	Result      *string
	Context     map[string]any
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Description == "" {
		return domain.Task{}, errors.New("description is required")
	}
	t := domain.Task{
		ID:          opts.ID,
		Title:       opts.Title,
		Description: opts.Description,
		State:       opts.State,
		OwningAgent: opts.OwningAgent,
		Priority:    opts.Priority,
		CreatedAt:   opts.CreatedAt,
		Result:      opts.Result,
		Context:     opts.Context,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = "pending"
	}
	if t.Priority == "" {
		t.Priority = "normal"
	}
	if t.CreatedAt == "" {
		t.CreatedAt = e.timestamp()
	}
	_, err := store.Update(e.Store, store.Tasks, func(tasks []domain.Task) ([]domain.Task, error) {
		return append(tasks, t), nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.journal("task.created", "task", t.ID, events.EventPayload{"state": t.State, "priority": t.Priority})
	return t, nil
}

// TaskFilters select tasks by exact equality; zero values mean no
// constraint.
type TaskFilters struct {
	State    string
	Agent    string
	Priority string
	Limit    int
}

func (f TaskFilters) match(t domain.Task) bool {
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.Agent != "" && (t.OwningAgent == nil || *t.OwningAgent != f.Agent) {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	return true
}

func (e Engine) ListTasks(ctx context.Context, f TaskFilters) []domain.Task {
	tasks := store.Load[domain.Task](e.Store, store.Tasks)
	filtered := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if f.match(t) {
			filtered = append(filtered, t)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return byTaskOrder(filtered[i], filtered[j]) })
	return head(filtered, f.Limit)
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	for _, t := range store.Load[domain.Task](e.Store, store.Tasks) {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Task{}, NotFoundError{Entity: "Task", ID: id}
}

// UpdateTask shallow-merges the supplied fields into the stored
// record: supplied keys overwrite, everything else is untouched. The
// id is immutable and updated_at is refreshed on every merge.
func (e Engine) UpdateTask(ctx context.Context, id string, patch map[string]any) (domain.Task, error) {
	var updated domain.Task
	_, err := store.Update(e.Store, store.Tasks, func(tasks []domain.Task) ([]domain.Task, error) {
		for i, t := range tasks {
			if t.ID != id {
				continue
			}
			merged, err := mergeTask(t, patch, e.timestamp())
			if err != nil {
				return nil, err
			}
			tasks[i] = merged
			updated = merged
			return tasks, nil
		}
		return nil, NotFoundError{Entity: "Task", ID: id}
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.journal("task.updated", "task", id, events.EventPayload{"fields": patchKeys(patch)})
	return updated, nil
}

func mergeTask(existing domain.Task, patch map[string]any, now string) (domain.Task, error) {
	raw, err := json.Marshal(existing)
	if err != nil {
		return domain.Task{}, err
	}
	record := map[string]any{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.Task{}, err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		record[k] = v
	}
	record["updated_at"] = now
	data, err := json.Marshal(record)
	if err != nil {
		return domain.Task{}, err
	}
	var merged domain.Task
	if err := json.Unmarshal(data, &merged); err != nil {
		return domain.Task{}, fmt.Errorf("invalid task update: %w", err)
	}
	return merged, nil
}

func patchKeys(patch map[string]any) []string {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DiagnosticCreateOptions are parameters for recording a diagnostic.
type DiagnosticCreateOptions struct {
	ID          string
	Kind        string
	Description string
	Severity    string
	Timestamp   string
	Details     map[string]any
	Suggestions []string
}

func (e Engine) CreateDiagnostic(ctx context.Context, opts DiagnosticCreateOptions) (domain.Diagnostic, error) {
	if opts.Kind == "" {
		return domain.Diagnostic{}, errors.New("kind is required")
	}
	if opts.Description == "" {
		return domain.Diagnostic{}, errors.New("description is required")
	}
	d := domain.Diagnostic{
		ID:          opts.ID,
		Kind:        opts.Kind,
		Description: opts.Description,
		Severity:    opts.Severity,
		Timestamp:   opts.Timestamp,
		Details:     opts.Details,
		Suggestions: opts.Suggestions,
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Severity == "" {
		d.Severity = "info"
	}
	if d.Timestamp == "" {
		d.Timestamp = e.timestamp()
	}
	_, err := store.Update(e.Store, store.Diagnostics, func(diags []domain.Diagnostic) ([]domain.Diagnostic, error) {
		return append(diags, d), nil
	})
	if err != nil {
		return domain.Diagnostic{}, err
	}
	e.journal("diagnostic.created", "diagnostic", d.ID, events.EventPayload{"kind": d.Kind, "severity": d.Severity})
	return d, nil
}

type DiagnosticFilters struct {
	Kind     string
	Severity string
	Limit    int
}

func (f DiagnosticFilters) match(d domain.Diagnostic) bool {
	if f.Kind != "" && d.Kind != f.Kind {
		return false
	}
	if f.Severity != "" && d.Severity != f.Severity {
		return false
	}
	return true
}

func (e Engine) ListDiagnostics(ctx context.Context, f DiagnosticFilters) []domain.Diagnostic {
	diags := store.Load[domain.Diagnostic](e.Store, store.Diagnostics)
	filtered := make([]domain.Diagnostic, 0, len(diags))
	for _, d := range diags {
		if f.match(d) {
			filtered = append(filtered, d)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return byDiagnosticOrder(filtered[i], filtered[j]) })
	return head(filtered, f.Limit)
}

// FixCreateOptions are parameters for recording a fix.
type FixCreateOptions struct {
	ID           string
	DiagnosticID *string
	Description  string
	Code         *string
	Applied      bool
	Timestamp    string
	Result       *string
}

func (e Engine) CreateFix(ctx context.Context, opts FixCreateOptions) (domain.Fix, error) {
	if opts.Description == "" {
		return domain.Fix{}, errors.New("description is required")
	}
	fx := domain.Fix{
		ID:           opts.ID,
		DiagnosticID: opts.DiagnosticID,
		Description:  opts.Description,
		Code:         opts.Code,
		Applied:      opts.Applied,
		Timestamp:    opts.Timestamp,
		Result:       opts.Result,
	}
	if fx.ID == "" {
		fx.ID = uuid.NewString()
	}
	if fx.Timestamp == "" {
		fx.Timestamp = e.timestamp()
	}
	_, err := store.Update(e.Store, store.Fixes, func(fixes []domain.Fix) ([]domain.Fix, error) {
		return append(fixes, fx), nil
	})
	if err != nil {
		return domain.Fix{}, err
	}
	e.journal("fix.created", "fix", fx.ID, events.EventPayload{"applied": fx.Applied})
	return fx, nil
}

type FixFilters struct {
	Applied      *bool
	DiagnosticID string
	Limit        int
}

func (f FixFilters) match(fx domain.Fix) bool {
	if f.Applied != nil && fx.Applied != *f.Applied {
		return false
	}
	if f.DiagnosticID != "" && (fx.DiagnosticID == nil || *fx.DiagnosticID != f.DiagnosticID) {
		return false
	}
	return true
}

func (e Engine) ListFixes(ctx context.Context, f FixFilters) []domain.Fix {
	fixes := store.Load[domain.Fix](e.Store, store.Fixes)
	filtered := make([]domain.Fix, 0, len(fixes))
	for _, fx := range fixes {
		if f.match(fx) {
			filtered = append(filtered, fx)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return byFixOrder(filtered[i], filtered[j]) })
	return head(filtered, f.Limit)
}

// SuggestionCreateOptions are parameters for recording a suggestion.
type SuggestionCreateOptions struct {
	ID          string
	Kind        string
	Title       string
	Description string
	Priority    string
	Implemented bool
	Timestamp   string
	Details     map[string]any
}

func (e Engine) CreateSuggestion(ctx context.Context, opts SuggestionCreateOptions) (domain.Suggestion, error) {
	if opts.Kind == "" {
		return domain.Suggestion{}, errors.New("kind is required")
	}
	if opts.Title == "" {
		return domain.Suggestion{}, errors.New("title is required")
	}
	if opts.Description == "" {
		return domain.Suggestion{}, errors.New("description is required")
	}
	sg := domain.Suggestion{
		ID:          opts.ID,
		Kind:        opts.Kind,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Implemented: opts.Implemented,
		Timestamp:   opts.Timestamp,
		Details:     opts.Details,
	}
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	if sg.Priority == "" {
		sg.Priority = "medium"
	}
	if sg.Timestamp == "" {
		sg.Timestamp = e.timestamp()
	}
	_, err := store.Update(e.Store, store.Suggestions, func(suggestions []domain.Suggestion) ([]domain.Suggestion, error) {
		return append(suggestions, sg), nil
	})
	if err != nil {
		return domain.Suggestion{}, err
	}
	e.journal("suggestion.created", "suggestion", sg.ID, events.EventPayload{"kind": sg.Kind, "priority": sg.Priority})
	return sg, nil
}

type SuggestionFilters struct {
	Kind        string
	Priority    string
	Implemented *bool
	Limit       int
}

func (f SuggestionFilters) match(sg domain.Suggestion) bool {
	if f.Kind != "" && sg.Kind != f.Kind {
		return false
	}
	if f.Priority != "" && sg.Priority != f.Priority {
		return false
	}
	if f.Implemented != nil && sg.Implemented != *f.Implemented {
		return false
	}
	return true
}

func (e Engine) ListSuggestions(ctx context.Context, f SuggestionFilters) []domain.Suggestion {
	suggestions := store.Load[domain.Suggestion](e.Store, store.Suggestions)
	filtered := make([]domain.Suggestion, 0, len(suggestions))
	for _, sg := range suggestions {
		if f.match(sg) {
			filtered = append(filtered, sg)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return bySuggestionOrder(filtered[i], filtered[j]) })
	return head(filtered, f.Limit)
}

// StatusReport is the aggregate counts summary. Always recomputed from
// the full collections; there are no stored counters.
type StatusReport struct {
	Status      string           `json:"status"`
	Timestamp   string           `json:"timestamp" format:"date-time"`
	Tasks       TaskCounts       `json:"tasks"`
	Diagnostics DiagnosticCounts `json:"diagnostics"`
	Fixes       FixCounts        `json:"fixes"`
	Suggestions SuggestionCounts `json:"suggestions"`
}

type TaskCounts struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

type DiagnosticCounts struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
}

type FixCounts struct {
	Total   int `json:"total"`
	Applied int `json:"applied"`
	Pending int `json:"pending"`
}

type SuggestionCounts struct {
	Total       int `json:"total"`
	Implemented int `json:"implemented"`
	Pending     int `json:"pending"`
}

func (e Engine) Status(ctx context.Context) StatusReport {
	tasks := store.Load[domain.Task](e.Store, store.Tasks)
	diags := store.Load[domain.Diagnostic](e.Store, store.Diagnostics)
	fixes := store.Load[domain.Fix](e.Store, store.Fixes)
	suggestions := store.Load[domain.Suggestion](e.Store, store.Suggestions)

	report := StatusReport{
		Status:    "online",
		Timestamp: e.timestamp(),
		Tasks: TaskCounts{
			Total:   len(tasks),
			ByState: map[string]int{},
		},
		Diagnostics: DiagnosticCounts{
			Total:      len(diags),
			BySeverity: map[string]int{},
		},
		Fixes:       FixCounts{Total: len(fixes)},
		Suggestions: SuggestionCounts{Total: len(suggestions)},
	}
	for _, t := range tasks {
		state := t.State
		if state == "" {
			state = "pending"
		}
		report.Tasks.ByState[state]++
	}
	for _, d := range diags {
		severity := d.Severity
		if severity == "" {
			severity = "info"
		}
		report.Diagnostics.BySeverity[severity]++
	}
	for _, fx := range fixes {
		if fx.Applied {
			report.Fixes.Applied++
		}
	}
	report.Fixes.Pending = report.Fixes.Total - report.Fixes.Applied
	for _, sg := range suggestions {
		if sg.Implemented {
			report.Suggestions.Implemented++
		}
	}
	report.Suggestions.Pending = report.Suggestions.Total - report.Suggestions.Implemented
	return report
}
