// Package types holds the kernel's closed sum types and shared data model:
// security labels, taint tracking, principals, capability tokens, task
// templates, plans, and the audit record shape. These types are passed as
// values between kernel components; none of them carry behavior that
// depends on ambient state.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SecurityLabel is the confidentiality lattice Public < Internal < Sensitive
// < Secret < Regulated. Propagation always takes the max of its inputs.
type SecurityLabel int

const (
	LabelPublic SecurityLabel = iota
	LabelInternal
	LabelSensitive
	LabelSecret
	LabelRegulated
)

func (l SecurityLabel) String() string {
	switch l {
	case LabelPublic:
		return "public"
	case LabelInternal:
		return "internal"
	case LabelSensitive:
		return "sensitive"
	case LabelSecret:
		return "secret"
	case LabelRegulated:
		return "regulated"
	default:
		return fmt.Sprintf("label(%d)", int(l))
	}
}

// ParseSecurityLabel parses the lowercase wire form used in config files and
// McpServerConfig.label. Returns an error for any unrecognized string so
// callers can reject unknown labels instead of silently defaulting.
func ParseSecurityLabel(s string) (SecurityLabel, error) {
	switch s {
	case "public":
		return LabelPublic, nil
	case "internal":
		return LabelInternal, nil
	case "sensitive":
		return LabelSensitive, nil
	case "secret":
		return LabelSecret, nil
	case "regulated":
		return LabelRegulated, nil
	default:
		return 0, fmt.Errorf("unknown security label %q", s)
	}
}

// MaxLabel returns the lattice max (least upper bound) of two labels.
func MaxLabel(a, b SecurityLabel) SecurityLabel {
	if a > b {
		return a
	}
	return b
}

// PropagateLabel returns the lattice max across a set of labels. An empty
// set propagates to LabelPublic, the lattice bottom.
func PropagateLabel(labels []SecurityLabel) SecurityLabel {
	out := LabelPublic
	for _, l := range labels {
		out = MaxLabel(out, l)
	}
	return out
}

// TaintLevel is the totally ordered provenance marker Clean < Extracted <
// Raw. Levels only ever increase across a TaintSet's lifetime.
type TaintLevel int

const (
	TaintClean TaintLevel = iota
	TaintExtracted
	TaintRaw
)

func (t TaintLevel) String() string {
	switch t {
	case TaintClean:
		return "clean"
	case TaintExtracted:
		return "extracted"
	case TaintRaw:
		return "raw"
	default:
		return fmt.Sprintf("taint(%d)", int(t))
	}
}

// TaintSet tracks a value's provenance. Level and TouchedBy are monotone:
// operations may only raise the level and append to TouchedBy, never
// decrease or remove.
type TaintSet struct {
	Level     TaintLevel
	Origin    string
	TouchedBy []string
}

// NewTaintSet creates a taint set at the given starting level and origin.
func NewTaintSet(level TaintLevel, origin string) TaintSet {
	return TaintSet{Level: level, Origin: origin}
}

// RaiseTo returns a copy of ts with level raised to at least min and with
// touchedBy appended, preserving monotonicity. Raising to a lower level than
// the current one is a no-op for the level field.
func (ts TaintSet) RaiseTo(min TaintLevel, touchedBy string) TaintSet {
	out := TaintSet{
		Origin:    ts.Origin,
		Level:     ts.Level,
		TouchedBy: append(append([]string(nil), ts.TouchedBy...), touchedBy),
	}
	if min > out.Level {
		out.Level = min
	}
	return out
}

// Principal identifies who triggered an event. Exactly one field is
// populated per Kind.
type PrincipalKind int

const (
	PrincipalOwner PrincipalKind = iota
	PrincipalTelegramPeer
	PrincipalWhatsAppContact
	PrincipalWebhookSource
)

type Principal struct {
	Kind  PrincipalKind
	ID    int64  // TelegramPeer
	Phone string // WhatsAppContact
	Name  string // WebhookSource
}

// Key returns a stable string key suitable for map lookups (flow tables,
// session tables) — distinct principals never collide.
func (p Principal) Key() string {
	switch p.Kind {
	case PrincipalOwner:
		return "owner"
	case PrincipalTelegramPeer:
		return fmt.Sprintf("telegram:%d", p.ID)
	case PrincipalWhatsAppContact:
		return fmt.Sprintf("whatsapp:%s", p.Phone)
	case PrincipalWebhookSource:
		return fmt.Sprintf("webhook:%s", p.Name)
	default:
		return "unknown"
	}
}

// PrincipalClass groups principals for template matching and default taint
// assignment.
type PrincipalClass int

const (
	ClassOwner PrincipalClass = iota
	ClassThirdParty
	ClassWebhookSource
)

func (p Principal) Class() PrincipalClass {
	switch p.Kind {
	case PrincipalOwner:
		return ClassOwner
	case PrincipalWebhookSource:
		return ClassWebhookSource
	default:
		return ClassThirdParty
	}
}

// EventPayload carries the raw content of an inbound event.
type EventPayload struct {
	Text        *string        `json:"text,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	ReplyTo     *string        `json:"reply_to,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// InboundEvent is immutable after ingress.
type InboundEvent struct {
	EventID   uuid.UUID    `json:"event_id"`
	Timestamp time.Time    `json:"timestamp"`
	Adapter   string       `json:"adapter"`
	Principal Principal    `json:"principal"`
	Kind      string       `json:"kind"`
	Payload   EventPayload `json:"payload"`
}

// LabeledEvent wraps an InboundEvent with the label/taint assigned at
// ingress based on principal class.
type LabeledEvent struct {
	Event InboundEvent
	Label SecurityLabel
	Taint TaintSet
}

// LabelForClass returns the default {label, taint} pair ingress assigns by
// principal class: owner -> Sensitive/Clean; everyone else -> Internal/Raw.
func LabelForClass(class PrincipalClass, origin string) (SecurityLabel, TaintSet) {
	if class == ClassOwner {
		return LabelSensitive, NewTaintSet(TaintClean, origin)
	}
	return LabelInternal, NewTaintSet(TaintRaw, origin)
}

// CapabilityToken is a single-use permission to invoke one tool action.
type CapabilityToken struct {
	CapabilityID    uuid.UUID
	TaskID          uuid.UUID
	TemplateID      string
	Principal       Principal
	Tool            string
	ResourceScope   string
	TaintOfArgs     TaintSet
	IssuedAt        time.Time
	ExpiresAt       time.Time
	MaxInvocations  int
}

// ToolSemantics classifies whether a tool action reads or writes state.
type ToolSemantics int

const (
	SemanticsRead ToolSemantics = iota
	SemanticsWrite
)

// ToolAction describes one invocable action a tool exposes.
type ToolAction struct {
	ID           string
	Description  string
	Semantics    ToolSemantics
	LabelCeiling SecurityLabel
	ArgsSchema   []byte // raw JSON schema, validated via jsonschema
}

// ToolManifest describes a tool's identity and network scope.
type ToolManifest struct {
	Name             string
	OwnerOnly        bool
	Actions          []ToolAction
	NetworkAllowlist []string
}

// TaskTemplate is a static, read-only policy object configured ahead of
// time; it binds a trigger to an allowed tool set, output sinks, and
// inference budget.
type TaskTemplate struct {
	TemplateID               string
	Triggers                 []string
	PrincipalClass           PrincipalClass
	Description              string
	PlannerTaskDescription   *string
	AllowedTools             []string
	DeniedTools              []string
	MaxToolCalls             int
	MaxTokensPlan            int
	MaxTokensSynthesize      int
	OutputSinks              []string
	DataCeiling              SecurityLabel
	InferenceConfig          map[string]string
	RequireApprovalForWrites bool
}

// TaskState is the pipeline phase a Task currently occupies.
type TaskState int

const (
	StateExtracting TaskState = iota
	StatePlanning
	StateExecuting
	StateSynthesizing
	StateCompleted
	StateFailed
)

func (s TaskState) String() string {
	switch s {
	case StateExtracting:
		return "extracting"
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StateSynthesizing:
		return "synthesizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is the per-event mutable state threaded through the pipeline.
type Task struct {
	TaskID       uuid.UUID
	TemplateID   string
	Principal    Principal
	TriggerEvent InboundEvent
	DataCeiling  SecurityLabel
	AllowedTools []string
	DeniedTools  []string
	MaxToolCalls int
	OutputSinks  []string
	TraceID      string
	State        TaskState
	Step         int
}

// PlanStep is one instruction in an ordered Plan.
type PlanStep struct {
	Step int            `json:"step"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Plan is the Planner's output: an ordered sequence of steps.
type Plan struct {
	Steps []PlanStep `json:"plan"`
}

// McpServerCommand is the subprocess invocation for a stdio MCP server.
type McpServerCommand struct {
	Command string
	Args    []string
}

// McpServerConfig configures one dynamically-spawned MCP server.
type McpServerConfig struct {
	Name            string
	Description     string
	Label           string // parsed via ParseSecurityLabel before use
	AllowedDomains  []string
	Server          McpServerCommand
	Auth            map[string]string // env var -> "vault:ref"
	Transport       string            // "stdio" | "http"
	URL             string
	Timeout         time.Duration
}

// SetupFlowState is the integration-setup state machine's current phase.
type SetupFlowState int

const (
	FlowAwaitingCredential SetupFlowState = iota
	FlowSpawning
)

// SetupFlow is one in-flight credential-capture flow for a principal.
type SetupFlow struct {
	Service        string
	State          SetupFlowState
	PromptedAt     time.Time
	TTL            time.Duration
	ExpectedPrefix *string
	VaultKey       string
}

// AuditKind enumerates the shapes of audit record bodies.
type AuditKind string

const (
	AuditToolInvoked       AuditKind = "tool_invoked"
	AuditCapabilityIssued  AuditKind = "capability_issued"
	AuditApprovalRequired  AuditKind = "approval_required"
	AuditEgressDenied      AuditKind = "egress_denied"
	AuditPolicyViolation   AuditKind = "policy_violation"
	AuditSetupFlowEvent    AuditKind = "setup_flow_event"
	AuditServerSpawned     AuditKind = "server_spawned"
	AuditServerStopped     AuditKind = "server_stopped"
)

// AuditRecord is one entry in the tamper-evident hash-chained log.
type AuditRecord struct {
	Seq      uint64         `json:"seq"`
	Ts       time.Time      `json:"ts"`
	Kind     AuditKind      `json:"kind"`
	PrevHash string         `json:"prev_hash"`
	Body     map[string]any `json:"body"`
	Hash     string         `json:"hash"`
}

// FixActionKind is the closed allow-list of supervisor repair actions.
type FixActionKind string

const (
	FixRestartProcess      FixActionKind = "restart_process"
	FixResetSandbox        FixActionKind = "reset_sandbox"
	FixGitRevert           FixActionKind = "git_revert"
	FixQuarantineTool      FixActionKind = "quarantine_tool"
	FixDisableScheduled    FixActionKind = "disable_scheduled_task"
	FixPruneLogs           FixActionKind = "prune_logs"
	FixReportOnly          FixActionKind = "report_only"
)

// FixAction is a single proposed repair, tagged with the data it needs to
// apply. Only one of the optional fields is meaningful per Kind.
type FixAction struct {
	Kind           FixActionKind
	CommitHash     string // git_revert: hex only
	ToolName       string // quarantine_tool: [A-Za-z0-9_.-]{1,128}
	TaskName       string // disable_scheduled_task
	RetentionDays  int    // prune_logs
	Message        string // report_only
}

// Severity ranks how urgently a supervisor pattern match needs handling.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PatternKind is the supervisor's enum-closed set of failure patterns.
type PatternKind string

const (
	PatternToolFailingAfterChange PatternKind = "tool_failing_after_change"
	PatternProcessDown            PatternKind = "process_down"
	PatternContainerWontStart     PatternKind = "container_wont_start"
	PatternBudgetExhaustionLoop   PatternKind = "budget_exhaustion_loop"
	PatternScheduledTaskFailing   PatternKind = "scheduled_task_failing"
	PatternMemoryBloat            PatternKind = "memory_bloat"
	PatternDynamicToolSprawl      PatternKind = "dynamic_tool_sprawl"
	PatternDiskSpacePressure      PatternKind = "disk_space_pressure"
)

// PatternMatch is one detected occurrence of a failure pattern.
type PatternMatch struct {
	Pattern      PatternKind
	Severity     Severity
	Diagnosis    string
	Detail       map[string]any
	AutoFixable  bool
}

// Fix records the lifecycle of one proposed-then-applied repair.
type Fix struct {
	ID          uuid.UUID
	DetectedAt  time.Time
	Pattern     PatternKind
	Diagnosis   string
	Action      FixAction
	AppliedAt   *time.Time
	Verified    *bool
}
