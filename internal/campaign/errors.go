package campaign

import "errors"

var (
	// ErrCampaignNotFound is returned when a campaign does not exist or is soft-deleted.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrAppointmentNotFound is returned when an appointment is not found.
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrOwnerNotFound is returned when no owner matches the lookup.
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrNoPendingAppointment is returned when a reply cannot be correlated.
	ErrNoPendingAppointment = errors.New("no pending appointment for phone")

	// ErrAmbiguousCorrelation is returned when a reply matches more than one
	// active appointment for the same owner and phone.
	ErrAmbiguousCorrelation = errors.New("ambiguous reply correlation")

	// ErrStateConflict is returned when a transition races with another writer.
	ErrStateConflict = errors.New("appointment state conflict")

	// ErrInstanceNotConnected is returned when dispatch is requested while the
	// owner's messaging instance is offline.
	ErrInstanceNotConnected = errors.New("messaging instance not connected")

	// ErrCampaignNotDispatchable is returned when the campaign status does not
	// allow dispatch.
	ErrCampaignNotDispatchable = errors.New("campaign cannot be dispatched")

	// ErrNoCandidatePhone is returned when an appointment has no usable phone left.
	ErrNoCandidatePhone = errors.New("no candidate phone available")
)
