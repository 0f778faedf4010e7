package survey

import (
	"time"

	"github.com/google/uuid"
)

// Survey is one satisfaction record per completed appointment dialog. Score
// and Attentive stay nil when the patient skipped the corresponding step.
type Survey struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Score         *int
	Attentive     *bool
	Comment       string
	Skipped       bool
	CreatedAt     time.Time
}

// HistoryEntry is the append-only fact written once per confirmed appointment.
type HistoryEntry struct {
	ID             uuid.UUID
	AppointmentID  uuid.UUID
	PatientName    string
	VisitDate      string
	VisitTime      string
	Specialty      string
	Professional   string
	StatusSnapshot string
	CreatedAt      time.Time
}
