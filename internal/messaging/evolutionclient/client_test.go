package evolutionclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestSendText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/message/sendText/clinic-1", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body SendTextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "5531999990000", body.Number)
		assert.Equal(t, "Olá!", body.Text)

		_ = json.NewEncoder(w).Encode(MessageResponse{
			Key:    MessageKey{ID: "MSG-1", RemoteJID: "5531999990000@s.whatsapp.net"},
			Status: "PENDING",
		})
	})

	resp, err := client.SendText(context.Background(), "clinic-1", SendTextRequest{
		Number: "5531999990000",
		Text:   "Olá!",
	})
	require.NoError(t, err)
	assert.Equal(t, "MSG-1", resp.MessageID())
}

func TestSendTextValidation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the server")
	})

	_, err := client.SendText(context.Background(), "clinic-1", SendTextRequest{Number: "123"})
	assert.Error(t, err)

	_, err = client.SendText(context.Background(), "", SendTextRequest{Number: "123", Text: "oi"})
	assert.Error(t, err)
}

func TestSendMediaEncodesBase64(t *testing.T) {
	payload := []byte("fake-pdf-bytes")
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/sendMedia/clinic-1", r.URL.Path)
		var body struct {
			MediaType string `json:"mediatype"`
			FileName  string `json:"fileName"`
			Media     string `json:"media"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "document", body.MediaType)
		assert.Equal(t, "comprovante.pdf", body.FileName)
		assert.Equal(t, base64.StdEncoding.EncodeToString(payload), body.Media)
		_ = json.NewEncoder(w).Encode(MessageResponse{Key: MessageKey{ID: "MSG-2"}})
	})

	resp, err := client.SendMedia(context.Background(), "clinic-1", SendMediaRequest{
		Number:    "5531999990000",
		MediaType: "document",
		FileName:  "comprovante.pdf",
		Data:      payload,
	})
	require.NoError(t, err)
	assert.Equal(t, "MSG-2", resp.MessageID())
}

func TestConnectionState(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/instance/connectionState/clinic-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"instance":{"instanceName":"clinic-1","state":"open"}}`))
	})

	resp, err := client.ConnectionState(context.Background(), "clinic-1")
	require.NoError(t, err)
	assert.Equal(t, "open", resp.Instance.State)
}

func TestInvokeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(MessageResponse{Key: MessageKey{ID: "MSG-3"}})
	})

	resp, err := client.SendText(context.Background(), "clinic-1", SendTextRequest{
		Number: "5531999990000",
		Text:   "oi",
	})
	require.NoError(t, err)
	assert.Equal(t, "MSG-3", resp.MessageID())
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvokeDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"number not on whatsapp"}`))
	})

	_, err := client.SendText(context.Background(), "clinic-1", SendTextRequest{
		Number: "5531999990000",
		Text:   "oi",
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "number not on whatsapp", apiErr.Message)
}

func TestInvokeExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.SendText(context.Background(), "clinic-1", SendTextRequest{
		Number: "5531999990000",
		Text:   "oi",
	})
	require.Error(t, err)
	// MaxRetries=2 means three tries total.
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{BaseURL: "http://x"})
	assert.Error(t, err)
	_, err = New(Config{APIKey: "k"})
	assert.Error(t, err)
}
