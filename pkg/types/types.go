package types

import "time"

// EntityKind is the tagged variant for registered executable units.
type EntityKind string

const (
	EntityKindWorkflow     EntityKind = "workflow"
	EntityKindTool         EntityKind = "tool"
	EntityKindDataProvider EntityKind = "data_provider"
)

// ExecutionMode controls whether a workflow runs synchronously or is dispatched async.
type ExecutionMode string

const (
	ExecutionModeSync  ExecutionMode = "sync"
	ExecutionModeAsync ExecutionMode = "async"
)

// ParameterSpec describes one parameter of a registered entity's callable.
type ParameterSpec struct {
	Name     string
	Type     string // string, int, float, bool, list, json
	Required bool
	Label    string
	Default  any
	Options  []string // set for literal/enum parameters
}

// Entity is a registered executable unit (workflow / tool / data provider).
//
// Identity key for upsert: (Path, FunctionSymbol). The same pair on
// re-ingest reuses ID.
type Entity struct {
	ID               string
	Name             string
	FunctionSymbol   string
	Path             string
	Kind             EntityKind
	Description      string
	Category         string
	Tags             []string
	ParametersSchema []ParameterSpec
	EndpointEnabled  bool
	AllowedMethods   []string
	ExecutionMode    ExecutionMode
	TimeoutSeconds   int
	CacheTTLSeconds  int
	IsActive         bool
	IsOrphaned       bool
	LastSeenAt       time.Time
	CreatedAt        time.Time
}

// FormField is one input field of a Form, optionally backed by a data provider.
type FormField struct {
	Name            string
	Label           string
	Type            string
	Required        bool
	DataProviderRef string // entity ID of a data_provider, or ""
}

// Form is a single-file entity parsed from forms/<uuid>.form.yaml.
type Form struct {
	ID                string
	Name              string
	Description       string
	WorkflowRef       string // entity ID, resolved from linked_workflow by name
	LaunchWorkflowRef string
	Fields            []FormField
	OrganizationID    string
	IsActive          bool
	Path              string
}

// Agent is a single-file entity parsed from agents/<uuid>.agent.yaml.
type Agent struct {
	ID                 string
	Name               string
	SystemPrompt       string
	ToolRefs           []string // entity IDs of tool workflows
	DelegatedAgentRefs []string // agent IDs
	Channels           []string
	IsActive           bool
	Path               string
}

// ExecutionContext is written to the context store before dispatch and
// read once by the worker that picks up the execution.
type ExecutionContext struct {
	ExecutionID    string
	UserID         string
	OrgID          string
	WorkflowName   string
	Parameters     map[string]any
	TimeoutSeconds int
	Deadline       time.Time
}

// ErrorKind enumerates the terminal error kinds a dispatch can resolve to.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindTimeout         ErrorKind = "TimeoutError"
	ErrorKindCancelled       ErrorKind = "CancelledError"
	ErrorKindProcessCrash    ErrorKind = "ProcessCrashError"
	ErrorKindNoWorker        ErrorKind = "NoWorkerAvailable"
	ErrorKindExecutionFailed ErrorKind = "ExecutionError"
)

// ExecutionResult is delivered exactly once per dispatched execution.
type ExecutionResult struct {
	ExecutionID  string
	Success      bool
	Value        any
	ErrorKind    ErrorKind
	ErrorMessage string
	DurationMS   int64
	InputTokens  int
	OutputTokens int
}

// WorkerState is the lifecycle state of a pool worker.
type WorkerState string

const (
	WorkerIDLE   WorkerState = "IDLE"
	WorkerBUSY   WorkerState = "BUSY"
	WorkerKILLED WorkerState = "KILLED"
)

// CurrentExecution tracks the in-flight execution on a BUSY worker.
type CurrentExecution struct {
	ExecutionID    string
	StartedAt      time.Time
	TimeoutSeconds int
}

// ElapsedSeconds reports how long the execution has been running.
func (c *CurrentExecution) ElapsedSeconds() float64 {
	return time.Since(c.StartedAt).Seconds()
}

// IsTimedOut reports whether the execution has exceeded its timeout.
func (c *CurrentExecution) IsTimedOut() bool {
	return c.ElapsedSeconds() > float64(c.TimeoutSeconds)
}

// WorkerRecord is the pool manager's in-memory bookkeeping for one worker.
type WorkerRecord struct {
	ID             string
	OSPID          int
	State          WorkerState
	StartedAt      time.Time
	CurrentExec    *CurrentExecution
	CompletedCount int
	PendingRecycle bool
}

// WorkerSnapshot is the per-worker state published in a heartbeat.
type WorkerSnapshot struct {
	ID               string
	PID              int
	State            WorkerState
	MemoryMB         float64
	UptimeSeconds    float64
	CompletedCount   int
	ElapsedOfCurrent float64
}

// PoolSnapshot is the payload published on worker:heartbeat.
type PoolSnapshot struct {
	PoolID            string
	Hostname          string
	StartedAt         time.Time
	Min, Max          int
	Workers           []WorkerSnapshot
	InstalledPackages []string
}

// Severity of a write-pipeline diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// DiagnosticKind distinguishes the diagnostic's origin.
type DiagnosticKind string

const (
	DiagnosticSyntaxError     DiagnosticKind = "syntax_error"
	DiagnosticUnexposedSymbol DiagnosticKind = "unexposed_symbol"
)

// Diagnostic is a non-fatal finding surfaced alongside a write response.
type Diagnostic struct {
	Severity Severity
	Kind     DiagnosticKind
	Path     string
	Line     int
	Column   int
	Message  string
}

// AffectedEntity is a consumer of a workflow entity that would be orphaned
// by its deactivation.
type AffectedEntity struct {
	EntityType    string // "form" or "agent"
	ID            string
	Name          string
	ReferenceType string // "main", "launch", "data_provider", "tool"
}

// PendingDeactivation describes one entity that a write would deactivate.
type PendingDeactivation struct {
	ID                  string
	Name                string
	FunctionSymbol      string
	Path                string
	Description         string
	Kind                EntityKind
	HasExecutionHistory bool
	LastExecutionAt     *time.Time
	AffectedEntities    []AffectedEntity
	EndpointEnabled     bool
}

// AvailableReplacement is a new symbol the caller may map an old entity's
// identity onto, scored by name similarity.
type AvailableReplacement struct {
	FunctionSymbol  string
	Name            string
	Kind            EntityKind
	SimilarityScore float64
}

// ReindexError is a non-terminal, operator-visible warning from C12.
type ReindexError struct {
	Path         string
	Field        string
	ReferencedID string
	Message      string
}

// ReindexReport summarizes one reconciliation sweep.
type ReindexReport struct {
	FilesIndexed         int
	FilesRemoved         int
	WorkflowsDeactivated int
	IDsCorrected         int
	Errors               []ReindexError
	StartedAt            time.Time
	FinishedAt           time.Time
}
