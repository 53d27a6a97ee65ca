package domain

// Pseudo-departments. Concrete department codes come from configuration;
// these three frame the lifecycle around them.
const (
	DeptIntake         = "INTAKE"
	DeptOutboundReview = "OUTBOUND_REVIEW"
	DeptClosed         = "CLOSED"
)

// RelationalKeyAttr is the reserved attribute-bag key holding the grouping
// token that ties repeated filings of the same case number into one cycle.
const RelationalKeyAttr = "relational_key"

// Movement event kinds.
const (
	MoveCreation               = "creation"
	MoveTransfer               = "transfer"
	MoveDepartmentFinalization = "department_finalization"
	MoveGlobalFinalization     = "global_finalization"
	MoveReturnToIntake         = "return_to_intake"
	MoveReassignment           = "reassignment"
	MoveEdit                   = "edit"
	MoveStatusChange           = "status_change"
)

// FieldValue is one typed entry of the extensible attribute bag.
type FieldValue struct {
	Kind  string `json:"kind" enum:"text,number,date"`
	Value string `json:"value"`
}

// ProcessInstance is one hand-off lineage branch of a case.
type ProcessInstance struct {
	ID               string                `json:"id"`
	CaseNumber       string                `json:"case_number"`
	BaseNumber       string                `json:"base_number"`
	Department       string                `json:"department"`
	Subject          string                `json:"subject,omitempty"`
	Stakeholder      string                `json:"stakeholder,omitempty"`
	ExternalParty    *string               `json:"external_party,omitempty"`
	Status           string                `json:"status,omitempty"`
	Coordination     string                `json:"coordination,omitempty"`
	Team             string                `json:"team,omitempty"`
	AssigneeID       *string               `json:"assignee_id,omitempty"`
	DeadlineAt       *string               `json:"deadline_at,omitempty" format:"date"`
	ReviewDeadlineAt *string               `json:"review_deadline_at,omitempty" format:"date"`
	Notes            string                `json:"notes,omitempty"`
	Attributes       map[string]FieldValue `json:"attributes,omitempty"`
	ReturnedToTriage bool                  `json:"returned_to_triage,omitempty"`
	ClosedAt         *string               `json:"closed_at,omitempty" format:"date-time"`
	ClosedBy         *string               `json:"closed_by,omitempty"`
	CreatedAt        string                `json:"created_at" format:"date-time"`
	UpdatedAt        string                `json:"updated_at" format:"date-time"`
}

// Active reports whether the instance has not been globally finalized.
func (p ProcessInstance) Active() bool { return p.ClosedAt == nil }

// RelationalKey returns the grouping token from the attribute bag, or "".
func (p ProcessInstance) RelationalKey() string {
	if v, ok := p.Attributes[RelationalKeyAttr]; ok {
		return v.Value
	}
	return ""
}

// Snapshot is a frozen copy of the department-scoped fields of an instance,
// captured at the moment it leaves a department.
type Snapshot struct {
	Department       string                `json:"department"`
	Subject          string                `json:"subject,omitempty"`
	Stakeholder      string                `json:"stakeholder,omitempty"`
	ExternalParty    *string               `json:"external_party,omitempty"`
	Status           string                `json:"status,omitempty"`
	Coordination     string                `json:"coordination,omitempty"`
	Team             string                `json:"team,omitempty"`
	AssigneeID       *string               `json:"assignee_id,omitempty"`
	DeadlineAt       *string               `json:"deadline_at,omitempty"`
	ReviewDeadlineAt *string               `json:"review_deadline_at,omitempty"`
	Notes            string                `json:"notes,omitempty"`
	Attributes       map[string]FieldValue `json:"attributes,omitempty"`
}

// MovementEvent is one ledger entry of an instance. Append-only; rows are
// removed only by cascading deletion of the parent instance.
type MovementEvent struct {
	ID             int64     `json:"id"`
	InstanceID     string    `json:"instance_id"`
	Kind           string    `json:"kind"`
	FromDepartment string    `json:"from_department"`
	ToDepartment   string    `json:"to_department"`
	Reason         string    `json:"reason,omitempty"`
	ActorID        string    `json:"actor_id"`
	OccurredAt     string    `json:"occurred_at" format:"date-time"`
	Snapshot       *Snapshot `json:"snapshot,omitempty"`
}

// DepartmentField describes one per-department custom attribute.
type DepartmentField struct {
	ID         string `json:"id"`
	Department string `json:"department"`
	Key        string `json:"key"`
	Label      string `json:"label"`
	ValueKind  string `json:"value_kind" enum:"text,number,date"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// GroupAnalysis answers what already exists for a base case number.
type GroupAnalysis struct {
	BaseNumber        string           `json:"base_number"`
	ActiveCount       int              `json:"active_count"`
	FinalizedCount    int              `json:"finalized_count"`
	ActiveDepartments []string         `json:"active_departments,omitempty"`
	RelationalKey     string           `json:"relational_key,omitempty"`
	KeyConflict       bool             `json:"key_conflict,omitempty"`
	Prefill           *ProcessInstance `json:"prefill,omitempty"`
}

// TimelineEntry is one human-auditable line of a replayed ledger.
type TimelineEntry struct {
	InstanceID string    `json:"instance_id"`
	OccurredAt string    `json:"occurred_at" format:"date-time"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text"`
	ActorID    string    `json:"actor_id,omitempty"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
}
