// Package importer converts spreadsheet rows from the upstream scheduling
// export into appointments with prioritized candidate phones.
package importer

import (
	"errors"
	"strconv"
	"strings"

	"github.com/confirmasaude/confirma-platform/internal/campaign"
	"github.com/confirmasaude/confirma-platform/internal/messaging"
)

// ErrEmptyRow is returned for rows without a patient name.
var ErrEmptyRow = errors.New("importer: row has no patient")

// Row is one spreadsheet record keyed by the upstream column names.
type Row map[string]string

// Imported pairs one appointment with its candidate phones, priorities
// matching source order.
type Imported struct {
	Appointment campaign.Appointment
	Phones      []string
}

// ParseRow maps one upstream row. Phone cells may hold several numbers split
// on comma or semicolon; they are digit-normalized and deduplicated, keeping
// the first occurrence.
func ParseRow(row Row) (Imported, error) {
	patient := strings.TrimSpace(row["paciente"])
	if patient == "" {
		return Imported{}, ErrEmptyRow
	}

	position, _ := strconv.Atoi(strings.TrimSpace(row["posicao"]))

	appt := campaign.Appointment{
		Position:      position,
		MasterCode:    strings.TrimSpace(row["cod_master"]),
		ExternalCode:  strings.TrimSpace(row["codigo_aghu"]),
		PatientName:   patient,
		Specialty:     strings.TrimSpace(row["especialidade"]),
		Physician:     strings.TrimSpace(row["medico"]),
		ScheduledDate: scheduledDate(row),
		VisitType:     parseVisitType(row["tipo"]),
		State:         campaign.StatePending,
	}

	raw := row["telefone_cadastro"] + ";" + row["telefone_registro"]
	return Imported{Appointment: appt, Phones: messaging.SplitNumbers(raw)}, nil
}

// ParseRows converts a batch, skipping empty rows. Rows without any usable
// phone still import; dispatch marks them no_phone.
func ParseRows(rows []Row) []Imported {
	out := make([]Imported, 0, len(rows))
	for _, row := range rows {
		imp, err := ParseRow(row)
		if err != nil {
			continue
		}
		out = append(out, imp)
	}
	return out
}

// CandidatePhones expands the parsed numbers into store rows for an
// appointment.
func (i Imported) CandidatePhones() []campaign.CandidatePhone {
	phones := make([]campaign.CandidatePhone, 0, len(i.Phones))
	for idx, number := range i.Phones {
		phones = append(phones, campaign.CandidatePhone{
			AppointmentID: i.Appointment.ID,
			Number:        number,
			Priority:      idx + 1,
		})
	}
	return phones
}

func scheduledDate(row Row) string {
	for _, key := range []string{"data_consulta", "data_agendamento", "data"} {
		if value := strings.TrimSpace(row[key]); value != "" {
			return value
		}
	}
	return ""
}

func parseVisitType(raw string) campaign.VisitType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "retorno":
		return campaign.VisitReturn
	case "interconsulta":
		return campaign.VisitInterconsult
	case "reagendamento", "remarcacao", "remarcação":
		return campaign.VisitReschedule
	default:
		return campaign.VisitFirst
	}
}
