package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confirmasaude/confirma-platform/internal/conversation"
	"github.com/confirmasaude/confirma-platform/internal/events"
)

// fakeEventDB pretends to be processed_events: first insert of an id is
// fresh, repeats are not, deletes forget the id again.
type fakeEventDB struct {
	seen map[string]bool
}

func (f *fakeEventDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	key := args[0].(string) + "/" + args[1].(string)
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if strings.HasPrefix(strings.TrimSpace(sql), "DELETE") {
		delete(f.seen, key)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	if f.seen[key] {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	f.seen[key] = true
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeEventDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return errRow{}
}

type errRow struct{}

func (errRow) Scan(_ ...any) error { return pgx.ErrNoRows }

func newWebhookFixture(t *testing.T) (*EvolutionWebhookHandler, *conversation.MemoryQueue) {
	t.Helper()
	queue := conversation.NewMemoryQueue(16)
	publisher := conversation.NewPublisher(queue, nil, nil)
	processed := events.NewProcessedStoreWithExec(&fakeEventDB{})
	return NewEvolutionWebhookHandler(publisher, processed, nil, nil), queue
}

func webhookBody(event, instance, jid, msgID, text string, fromMe bool) string {
	return `{
		"event": "` + event + `",
		"instance": "` + instance + `",
		"data": {
			"key": {"remoteJid": "` + jid + `", "fromMe": ` + boolStr(fromMe) + `, "id": "` + msgID + `"},
			"message": {"conversation": "` + text + `"},
			"messageTimestamp": 1756600000
		}
	}`
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func post(t *testing.T, h *EvolutionWebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/evolution", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleMessages(rec, req)
	return rec
}

func assertQueueEmpty(t *testing.T, queue *conversation.MemoryQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	msgs, _ := queue.Receive(ctx, 1, 1)
	assert.Empty(t, msgs)
}

func receiveInbound(t *testing.T, queue *conversation.MemoryQueue) conversation.InboundMessage {
	t.Helper()
	msgs, err := queue.Receive(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var payload struct {
		Kind    string                       `json:"kind"`
		Inbound *conversation.InboundMessage `json:"inbound"`
	}
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &payload))
	require.Equal(t, "inbound", payload.Kind)
	require.NotNil(t, payload.Inbound)
	return *payload.Inbound
}

func TestHandleMessagesEnqueuesInbound(t *testing.T) {
	handler, queue := newWebhookFixture(t)

	rec := post(t, handler, webhookBody("messages.upsert", "clinic-1",
		"5531999990000@s.whatsapp.net", "EVT-1", "1", false))
	assert.Equal(t, http.StatusOK, rec.Code)

	msg := receiveInbound(t, queue)
	assert.Equal(t, "clinic-1", msg.InstanceName)
	assert.Equal(t, "5531999990000", msg.From)
	assert.Equal(t, "1", msg.Text)
	assert.Equal(t, "EVT-1", msg.ProviderMessageID)
}

func TestHandleMessagesExtendedText(t *testing.T) {
	handler, queue := newWebhookFixture(t)

	body := `{
		"event": "messages.upsert",
		"instance": "clinic-1",
		"data": {
			"key": {"remoteJid": "5531999990000@s.whatsapp.net", "fromMe": false, "id": "EVT-2"},
			"message": {"extendedTextMessage": {"text": "pular"}}
		}
	}`
	rec := post(t, handler, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pular", receiveInbound(t, queue).Text)
}

func TestHandleMessagesIgnoresOwnEcho(t *testing.T) {
	handler, queue := newWebhookFixture(t)

	rec := post(t, handler, webhookBody("messages.upsert", "clinic-1",
		"5531999990000@s.whatsapp.net", "EVT-3", "oi", true))
	assert.Equal(t, http.StatusOK, rec.Code)

	assertQueueEmpty(t, queue)
}

func TestHandleMessagesIgnoresOtherEvents(t *testing.T) {
	handler, queue := newWebhookFixture(t)

	rec := post(t, handler, webhookBody("connection.update", "clinic-1",
		"5531999990000@s.whatsapp.net", "EVT-4", "", false))
	assert.Equal(t, http.StatusOK, rec.Code)

	assertQueueEmpty(t, queue)
}

func TestHandleMessagesDropsReplay(t *testing.T) {
	handler, queue := newWebhookFixture(t)

	body := webhookBody("messages.upsert", "clinic-1",
		"5531999990000@s.whatsapp.net", "EVT-5", "2", false)

	assert.Equal(t, http.StatusOK, post(t, handler, body).Code)
	assert.Equal(t, http.StatusOK, post(t, handler, body).Code)

	receiveInbound(t, queue)
	assertQueueEmpty(t, queue)
}

// flakyQueue fails the first sends, then behaves.
type flakyQueue struct {
	*conversation.MemoryQueue
	failSends int
}

func (q *flakyQueue) Send(ctx context.Context, body string) error {
	if q.failSends > 0 {
		q.failSends--
		return errors.New("queue unavailable")
	}
	return q.MemoryQueue.Send(ctx, body)
}

func TestHandleMessagesEnqueueFailureAcceptsRetry(t *testing.T) {
	queue := &flakyQueue{MemoryQueue: conversation.NewMemoryQueue(16), failSends: 1}
	publisher := conversation.NewPublisher(queue, nil, nil)
	handler := NewEvolutionWebhookHandler(publisher, events.NewProcessedStoreWithExec(&fakeEventDB{}), nil, nil)

	body := webhookBody("messages.upsert", "clinic-1",
		"5531999990000@s.whatsapp.net", "EVT-9", "1", false)
	assert.Equal(t, http.StatusInternalServerError, post(t, handler, body).Code)

	// The provider retries the same event; the failed delivery must not have
	// burned its id, or the reply would be dropped as a replay.
	assert.Equal(t, http.StatusOK, post(t, handler, body).Code)
	assert.Equal(t, "EVT-9", receiveInbound(t, queue.MemoryQueue).ProviderMessageID)
}

func TestHandleMessagesBadPayload(t *testing.T) {
	handler, _ := newWebhookFixture(t)
	rec := post(t, handler, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSenderFromJID(t *testing.T) {
	assert.Equal(t, "5531999990000", senderFromJID("5531999990000@s.whatsapp.net"))
	assert.Equal(t, "5531999990000", senderFromJID("5531999990000"))
}
