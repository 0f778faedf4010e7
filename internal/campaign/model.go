package campaign

import (
	"time"

	"github.com/google/uuid"

	"github.com/confirmasaude/confirma-platform/internal/messaging"
)

// OwnerMode selects which pipeline an owner runs. Only appointment mode is
// handled by this service; queue mode owners are routed elsewhere.
type OwnerMode string

const (
	ModeQueue       OwnerMode = "queue"
	ModeAppointment OwnerMode = "appointment"
)

// Owner is the tenant: a clinic user with a single messaging instance binding.
type Owner struct {
	ID            uuid.UUID
	Name          string
	InstanceName  string
	InstanceState messaging.InstanceState
	Mode          OwnerMode
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Status is the campaign lifecycle status.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusDispatching Status = "dispatching"
	StatusSent        Status = "sent"
	StatusCanceled    Status = "canceled"
)

// Campaign is one import batch of appointments dispatched as a unit.
type Campaign struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	Status    Status
	StatusMsg string
	TaskID    string
	DeletedAt *time.Time
	DeletedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deleted reports whether the campaign is soft-deleted.
func (c *Campaign) Deleted() bool {
	return c.DeletedAt != nil
}

// VisitType classifies the appointment.
type VisitType string

const (
	VisitFirst        VisitType = "first_visit"
	VisitReturn       VisitType = "return"
	VisitInterconsult VisitType = "interconsult"
	VisitReschedule   VisitType = "reschedule"
)

// State is the per-appointment conversation state.
type State string

const (
	StatePending                 State = "pending"
	StateNoPhone                 State = "no_phone"
	StateAwaitingResponse        State = "awaiting_response"
	StateAwaitingRejectReason    State = "awaiting_reject_reason"
	StateAwaitingNewDate         State = "awaiting_new_date"
	StateAwaitingSurveyScore     State = "awaiting_survey_score"
	StateAwaitingSurveyAttention State = "awaiting_survey_attention"
	StateAwaitingSurveyComment   State = "awaiting_survey_comment"
	StateConfirmed               State = "confirmed"
	StateRejected                State = "rejected"
	StateRescheduled             State = "rescheduled"
	StateCanceledNoReply         State = "canceled_no_reply"
	StateSendFailed              State = "send_failed"
	StateCanceled                State = "canceled"
)

// Terminal reports whether the state ends the conversation.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateRejected, StateRescheduled,
		StateCanceledNoReply, StateSendFailed, StateNoPhone, StateCanceled:
		return true
	}
	return false
}

// AwaitingReply reports whether an inbound message can correlate to this state.
func (s State) AwaitingReply() bool {
	switch s {
	case StateAwaitingResponse, StateAwaitingRejectReason, StateAwaitingNewDate,
		StateAwaitingSurveyScore, StateAwaitingSurveyAttention, StateAwaitingSurveyComment:
		return true
	}
	return false
}

// activeStates lists the states used by correlation and the invariant-1 guard.
var activeStates = []string{
	string(StateAwaitingResponse),
	string(StateAwaitingRejectReason),
	string(StateAwaitingNewDate),
	string(StateAwaitingSurveyScore),
	string(StateAwaitingSurveyAttention),
	string(StateAwaitingSurveyComment),
}

// Appointment is one patient row of a campaign.
type Appointment struct {
	ID                uuid.UUID
	CampaignID        uuid.UUID
	Position          int
	MasterCode        string
	ExternalCode      string
	PatientName       string
	Specialty         string
	Physician         string
	ScheduledDate     string
	VisitType         VisitType
	State             State
	Attempts          int
	StateRetries      int
	LastAttemptAt     *time.Time
	ConfirmingPhoneID *uuid.UUID
	RejectReason      string
	NewDate           string
	NewTime           string
	RescheduleReason  string
	CanceledNoReply   bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CandidatePhone is one prioritized phone number for an appointment.
type CandidatePhone struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Number        string
	Priority      int
	Sent          bool
	NotOwner      bool
	MessageID     string
	CreatedAt     time.Time
}

// StatePatch carries the optional column updates applied together with a
// state transition. Nil fields are left untouched.
type StatePatch struct {
	RejectReason          *string
	NewDate               *string
	NewTime               *string
	RescheduleReason      *string
	ConfirmingPhoneID     *uuid.UUID
	IncrementAttempts     bool
	IncrementStateRetries bool
	ResetStateRetries     bool
	TouchLastAttempt      bool
	CanceledNoReply       *bool
}
