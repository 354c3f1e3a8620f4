package emergency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/trailsense/fieldtrack/internal/wire"
	"github.com/trailsense/fieldtrack/pkg/logger"
)

// TokenProvider supplies the bearer token for fallback requests.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// APIClient consumes the emergency REST surface, the delivery path
// that does not depend on the persistent connection:
//
//	POST /emergencies/sos
//	GET  /emergencies/active
//	POST /emergencies/{id}/resolve
type APIClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	logger  *logger.Logger
}

// NewAPIClient creates a client for the fallback surface.
func NewAPIClient(baseURL string, timeout time.Duration, tokens TokenProvider, log *logger.Logger) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  log.WithComponent("emergency-api"),
	}
}

// createSOSRequest is the body of POST /emergencies/sos.
type createSOSRequest struct {
	Kind      wire.SignalKind `json:"kind"`
	Message   string          `json:"message,omitempty"`
	Latitude  float64         `json:"latitude"`
	Longitude float64         `json:"longitude"`
	UserName  string          `json:"user_name"`
}

// resolveRequest is the body of POST /emergencies/{id}/resolve.
type resolveRequest struct {
	Status wire.SignalStatus `json:"status"`
}

// CreateSOS creates a distress signal through the fallback path and
// returns the server's authoritative record.
func (c *APIClient) CreateSOS(ctx context.Context, kind wire.SignalKind, payload wire.SOSPayload) (*wire.EmergencySignal, error) {
	body := createSOSRequest{
		Kind:      kind,
		Message:   payload.Message,
		Latitude:  payload.Latitude,
		Longitude: payload.Longitude,
		UserName:  payload.UserName,
	}
	var signal wire.EmergencySignal
	if err := c.do(ctx, http.MethodPost, "/emergencies/sos", body, &signal); err != nil {
		return nil, err
	}
	return &signal, nil
}

// ActiveSignal returns the caller's outstanding signal, or nil when
// none exists. Used on restart to re-adopt an emergency that outlived
// the process.
func (c *APIClient) ActiveSignal(ctx context.Context) (*wire.EmergencySignal, error) {
	var signal wire.EmergencySignal
	err := c.do(ctx, http.MethodGet, "/emergencies/active", nil, &signal)
	if err != nil {
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if signal.ID == "" {
		return nil, nil
	}
	return &signal, nil
}

// Resolve marks the signal terminal through the fallback path. The
// persistent connection deliberately has no resolution path.
func (c *APIClient) Resolve(ctx context.Context, id string, reason wire.SignalStatus) error {
	return c.do(ctx, http.MethodPost, "/emergencies/"+id+"/resolve", resolveRequest{Status: reason}, nil)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return wire.WrapError(err, wire.CodeProtocol, "failed to encode request body")
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return wire.WrapError(err, wire.CodeConnectivity, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	bearer, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return wire.WrapError(err, wire.CodeConnectivity, "fallback request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return wire.WrapError(&statusError{code: resp.StatusCode}, wire.CodeConnectivity, "fallback request rejected")
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return wire.WrapError(err, wire.CodeProtocol, "failed to decode response body")
		}
	}
	return nil
}
