package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/confirmasaude/confirma-platform/internal/conversation"
	"github.com/confirmasaude/confirma-platform/internal/events"
	"github.com/confirmasaude/confirma-platform/internal/observability/metrics"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)


// evolutionWebhookPayload is the messages.upsert event shape.
type evolutionWebhookPayload struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		Message struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
		MessageTimestamp int64 `json:"messageTimestamp"`
	} `json:"data"`
}

// EvolutionWebhookHandler ingests provider events. It only validates and
// enqueues; the provider expects a 2xx within seconds regardless of
// processing outcome.
type EvolutionWebhookHandler struct {
	publisher *conversation.Publisher
	processed *events.ProcessedStore
	metrics   *metrics.CampaignMetrics
	logger    *logging.Logger
}

// NewEvolutionWebhookHandler builds the webhook handler.
func NewEvolutionWebhookHandler(publisher *conversation.Publisher, processed *events.ProcessedStore, m *metrics.CampaignMetrics, logger *logging.Logger) *EvolutionWebhookHandler {
	if publisher == nil {
		panic("handlers: publisher required")
	}
	if processed == nil {
		panic("handlers: processed store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EvolutionWebhookHandler{
		publisher: publisher,
		processed: processed,
		metrics:   m,
		logger:    logger,
	}
}

// HandleMessages receives messages.upsert events.
func (h *EvolutionWebhookHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		h.metrics.ObserveWebhookLatency(string(events.ProviderEvolution), time.Since(start).Seconds())
	}()

	var payload evolutionWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.logger.Warn("undecodable webhook payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	// Everything other than a fresh inbound message is acknowledged and
	// ignored: our own sends echo back with fromMe=true.
	if payload.Event != "messages.upsert" || payload.Data.Key.FromMe {
		w.WriteHeader(http.StatusOK)
		return
	}
	if payload.Instance == "" || payload.Data.Key.RemoteJID == "" {
		h.logger.Warn("webhook missing instance or sender")
		w.WriteHeader(http.StatusOK)
		return
	}

	eventID := payload.Data.Key.ID
	marked := false
	if eventID != "" {
		fresh, err := h.processed.MarkProcessed(r.Context(), events.ProviderEvolution, eventID)
		if err != nil {
			h.logger.Error("failed to record webhook event", "error", err, "event_id", eventID)
			// Fall through: the conversation layer drops duplicates too.
		} else if !fresh {
			h.logger.Info("dropping replayed webhook", "event_id", eventID)
			h.metrics.ObserveInbound("replayed")
			w.WriteHeader(http.StatusOK)
			return
		} else {
			marked = true
		}
	}

	text := payload.Data.Message.Conversation
	if text == "" {
		text = payload.Data.Message.ExtendedTextMessage.Text
	}
	msg := conversation.InboundMessage{
		InstanceName:      payload.Instance,
		From:              senderFromJID(payload.Data.Key.RemoteJID),
		Text:              text,
		ProviderMessageID: eventID,
		Timestamp:         time.Unix(payload.Data.MessageTimestamp, 0).UTC(),
	}
	if _, err := h.publisher.EnqueueInbound(r.Context(), msg); err != nil {
		h.logger.Error("failed to enqueue inbound message", "error", err)
		// Unmark the event so the provider's retry is not dropped as a
		// replay; the reply would otherwise be lost for good.
		if marked {
			if fErr := h.processed.Forget(r.Context(), events.ProviderEvolution, eventID); fErr != nil {
				h.logger.Error("failed to unmark webhook event", "error", fErr, "event_id", eventID)
			}
		}
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// senderFromJID strips the @s.whatsapp.net suffix off a provider JID.
func senderFromJID(jid string) string {
	if at := strings.IndexByte(jid, '@'); at > 0 {
		return jid[:at]
	}
	return jid
}
