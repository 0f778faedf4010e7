package conversation

import (
	"strings"

	"github.com/confirmasaude/confirma-platform/internal/campaign"
)

// Patient-facing dialog texts. The menu numbers must stay in sync with the
// parsing below.
const (
	ReplyRejectReasonPrompt = "Que pena! Para nos ajudar a melhorar, poderia nos contar o motivo? (resposta livre)"
	ReplyNewDatePrompt      = "Sem problemas. Qual a melhor data e horário para você? (ex: 2025-07-10 14:30)"
	ReplySurveyScorePrompt  = "Presença confirmada! Para finalizar, de 1 a 5, qual nota você dá para o nosso atendimento? (responda 'pular' para pular)"
	ReplySurveyAttention    = "Obrigado! A equipe foi atenciosa com você? (sim/não, ou 'pular')"
	ReplySurveyComment      = "Quase lá! Deixe um comentário sobre sua experiência (ou responda 'pular')."
	ReplyThanksConfirmed    = "Obrigado pelas respostas! Sua presença está confirmada. Até breve!"
	ReplyThanksRejected     = "Entendido, sua consulta foi cancelada. Obrigado por avisar!"
	ReplyThanksRescheduled  = "Anotado! Nossa equipe entrará em contato para confirmar o novo horário."
	ReplyNotOwnerAck        = "Desculpe o incômodo! Vamos tentar outro número."
	ReplyNoPending          = "Olá! Não encontramos nenhuma consulta pendente para este número."
)

// maxStateRetries caps how many times the retry counter grows for unparsable
// input within one state. The help text keeps being sent either way.
const maxStateRetries = 3

// ActionType enumerates the side effects a transition can request. Effects
// run only after the state change commits.
type ActionType int

const (
	// ActionReply sends Text back to the phone that wrote in.
	ActionReply ActionType = iota
	// ActionMarkPhoneNotOwner flags the candidate phone and re-enqueues the
	// appointment so the next phone gets contacted.
	ActionMarkPhoneNotOwner
	// ActionRecordSurveyScore persists the 1-5 step.
	ActionRecordSurveyScore
	// ActionRecordSurveyAttention persists the yes/no step.
	ActionRecordSurveyAttention
	// ActionCompleteSurvey finalizes the survey and writes patient history.
	ActionCompleteSurvey
	// ActionSendReceipt sends the confirmation receipt media to the
	// confirming phone.
	ActionSendReceipt
)

// Action is one requested side effect.
type Action struct {
	Type      ActionType
	Text      string
	Score     *int
	Attentive *bool
	Comment   string
	Skipped   bool
}

// Result is the outcome of one transition: the next state, the column patch
// to apply with it, and the effects to run after commit.
type Result struct {
	Next               campaign.State
	Patch              campaign.StatePatch
	SetConfirmingPhone bool
	Actions            []Action
}

func reply(text string) Action {
	return Action{Type: ActionReply, Text: text}
}

// Transition is the pure conversation step: no I/O, no clock. Free-text
// fields keep the patient's original casing; parsing is case-insensitive.
func Transition(appt *campaign.Appointment, text string) Result {
	raw := strings.TrimSpace(text)
	input := strings.ToLower(raw)

	switch appt.State {
	case campaign.StateAwaitingResponse:
		return transitionMenu(appt, input)
	case campaign.StateAwaitingRejectReason:
		if raw == "" {
			return unparsable(appt)
		}
		return Result{
			Next: campaign.StateRejected,
			Patch: campaign.StatePatch{
				RejectReason:      &raw,
				ResetStateRetries: true,
			},
			Actions: []Action{reply(ReplyThanksRejected)},
		}
	case campaign.StateAwaitingNewDate:
		if raw == "" {
			return unparsable(appt)
		}
		date, hour := parseSchedule(raw)
		return Result{
			Next: campaign.StateRescheduled,
			Patch: campaign.StatePatch{
				NewDate:           &date,
				NewTime:           &hour,
				RescheduleReason:  &raw,
				ResetStateRetries: true,
			},
			Actions: []Action{reply(ReplyThanksRescheduled)},
		}
	case campaign.StateAwaitingSurveyScore:
		if isSkip(input) {
			return Result{
				Next:  campaign.StateAwaitingSurveyAttention,
				Patch: campaign.StatePatch{ResetStateRetries: true},
				Actions: []Action{
					{Type: ActionRecordSurveyScore, Skipped: true},
					reply(ReplySurveyAttention),
				},
			}
		}
		if score, ok := parseScore(input); ok {
			return Result{
				Next:  campaign.StateAwaitingSurveyAttention,
				Patch: campaign.StatePatch{ResetStateRetries: true},
				Actions: []Action{
					{Type: ActionRecordSurveyScore, Score: &score},
					reply(ReplySurveyAttention),
				},
			}
		}
		return unparsable(appt)
	case campaign.StateAwaitingSurveyAttention:
		if isSkip(input) {
			return Result{
				Next:  campaign.StateAwaitingSurveyComment,
				Patch: campaign.StatePatch{ResetStateRetries: true},
				Actions: []Action{
					{Type: ActionRecordSurveyAttention, Skipped: true},
					reply(ReplySurveyComment),
				},
			}
		}
		if attentive, ok := parseYesNo(input); ok {
			return Result{
				Next:  campaign.StateAwaitingSurveyComment,
				Patch: campaign.StatePatch{ResetStateRetries: true},
				Actions: []Action{
					{Type: ActionRecordSurveyAttention, Attentive: &attentive},
					reply(ReplySurveyComment),
				},
			}
		}
		return unparsable(appt)
	case campaign.StateAwaitingSurveyComment:
		comment := raw
		skipped := false
		if isSkip(input) || raw == "" {
			comment = ""
			skipped = true
		}
		return Result{
			Next:  campaign.StateConfirmed,
			Patch: campaign.StatePatch{ResetStateRetries: true},
			Actions: []Action{
				{Type: ActionCompleteSurvey, Comment: comment, Skipped: skipped},
				{Type: ActionSendReceipt},
				reply(ReplyThanksConfirmed),
			},
		}
	default:
		// Terminal or pre-dispatch states never correlate; nothing to do.
		return Result{Next: appt.State}
	}
}

func transitionMenu(appt *campaign.Appointment, input string) Result {
	switch input {
	case "1":
		return Result{
			Next:               campaign.StateAwaitingSurveyScore,
			Patch:              campaign.StatePatch{ResetStateRetries: true},
			SetConfirmingPhone: true,
			Actions:            []Action{reply(ReplySurveyScorePrompt)},
		}
	case "2":
		return Result{
			Next:    campaign.StateAwaitingRejectReason,
			Patch:   campaign.StatePatch{ResetStateRetries: true},
			Actions: []Action{reply(ReplyRejectReasonPrompt)},
		}
	case "3":
		// Attempts stay untouched: contacting the next phone is not a re-ping.
		return Result{
			Next: campaign.StateAwaitingResponse,
			Actions: []Action{
				{Type: ActionMarkPhoneNotOwner},
				reply(ReplyNotOwnerAck),
			},
		}
	case "4":
		return Result{
			Next:    campaign.StateAwaitingNewDate,
			Patch:   campaign.StatePatch{ResetStateRetries: true},
			Actions: []Action{reply(ReplyNewDatePrompt)},
		}
	default:
		return unparsable(appt)
	}
}

func unparsable(appt *campaign.Appointment) Result {
	res := Result{
		Next:    appt.State,
		Actions: []Action{reply(helpText(appt.State))},
	}
	if appt.StateRetries < maxStateRetries {
		res.Patch.IncrementStateRetries = true
	}
	return res
}

func helpText(state campaign.State) string {
	switch state {
	case campaign.StateAwaitingSurveyScore:
		return "Não entendi. Responda com uma nota de 1 a 5, ou 'pular'."
	case campaign.StateAwaitingSurveyAttention:
		return "Não entendi. Responda 'sim' ou 'não', ou 'pular'."
	case campaign.StateAwaitingRejectReason:
		return "Poderia nos contar o motivo? Qualquer texto serve."
	case campaign.StateAwaitingNewDate:
		return "Qual a melhor data e horário para você? (ex: 2025-07-10 14:30)"
	default:
		return "Não entendi sua resposta. Responda com o número de uma das opções:\n" +
			"1 - Confirmar presença\n" +
			"2 - Não poderei comparecer\n" +
			"3 - Este não é meu telefone\n" +
			"4 - Preciso reagendar"
	}
}

func isSkip(input string) bool {
	return input == "pular" || input == "skip"
}

func parseScore(input string) (int, bool) {
	if len(input) != 1 || input[0] < '1' || input[0] > '5' {
		return 0, false
	}
	return int(input[0] - '0'), true
}

func parseYesNo(input string) (bool, bool) {
	switch input {
	case "sim", "s", "yes", "y":
		return true, true
	case "não", "nao", "n", "no":
		return false, true
	}
	return false, false
}

// parseSchedule splits a free-text answer into date-looking and time-looking
// parts. Anything unrecognized lands whole in the date field; the raw text is
// kept in reschedule_reason regardless.
func parseSchedule(raw string) (date, hour string) {
	for _, field := range strings.Fields(raw) {
		switch {
		case date == "" && looksLikeDate(field):
			date = field
		case hour == "" && strings.Contains(field, ":"):
			hour = field
		}
	}
	if date == "" && hour == "" {
		date = raw
	}
	return date, hour
}

func looksLikeDate(field string) bool {
	if !strings.ContainsAny(field, "-/") {
		return false
	}
	for _, r := range field {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
