package messaging

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/confirmasaude/confirma-platform/internal/messaging/evolutionclient"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

// InstanceState is the normalized connection state of an owner's instance.
type InstanceState string

const (
	InstanceConnected    InstanceState = "connected"
	InstanceQRPending    InstanceState = "qr_pending"
	InstanceDisconnected InstanceState = "disconnected"
)

// ErrorClass buckets provider failures for retry decisions.
type ErrorClass int

const (
	// ErrorTransient failures may succeed on retry (timeouts, 5xx, 429).
	ErrorTransient ErrorClass = iota
	// ErrorPermanent failures will not succeed for this recipient (invalid
	// number, blocked contact).
	ErrorPermanent
	// ErrorAuth failures indicate bad credentials or a revoked instance.
	ErrorAuth
)

// ClassifyError maps a send failure to an ErrorClass.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	var apiErr *evolutionclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return ErrorAuth
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return ErrorTransient
		default:
			return ErrorPermanent
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTransient
	}
	return ErrorTransient
}

// Adapter is the thin façade over the Evolution API used by the dispatcher,
// the conversation service and the sweeper.
type Adapter struct {
	client *evolutionclient.Client
	logger *logging.Logger
}

// NewAdapter wraps an Evolution client.
func NewAdapter(client *evolutionclient.Client, logger *logging.Logger) *Adapter {
	if client == nil {
		panic("messaging: evolution client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Adapter{client: client, logger: logger}
}

// SendText sends a text message and returns the opaque provider message id.
func (a *Adapter) SendText(ctx context.Context, instance, to, text string) (string, error) {
	resp, err := a.client.SendText(ctx, instance, evolutionclient.SendTextRequest{
		Number: to,
		Text:   text,
	})
	if err != nil {
		return "", err
	}
	return resp.MessageID(), nil
}

// SendMedia sends a media attachment and returns the provider message id.
func (a *Adapter) SendMedia(ctx context.Context, instance, to string, data []byte, filename string) (string, error) {
	resp, err := a.client.SendMedia(ctx, instance, evolutionclient.SendMediaRequest{
		Number:    to,
		MediaType: "document",
		FileName:  filename,
		Data:      data,
	})
	if err != nil {
		return "", err
	}
	return resp.MessageID(), nil
}

// InstanceStatus fetches and normalizes the instance connection state.
func (a *Adapter) InstanceStatus(ctx context.Context, instance string) (InstanceState, error) {
	resp, err := a.client.ConnectionState(ctx, instance)
	if err != nil {
		return InstanceDisconnected, err
	}
	switch resp.Instance.State {
	case "open":
		return InstanceConnected, nil
	case "connecting":
		return InstanceQRPending, nil
	default:
		return InstanceDisconnected, nil
	}
}
