package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// OCF Cloud well-known resource paths, relative to Context.CIURL.
const (
	pathAccount      = "/oic/account"
	pathSession      = "/oic/account/session"
	pathTokenRefresh = "/oic/account/tokenrefresh"
	pathDevices      = "/oic/account/devices"
	pathDevicesPing  = "/oic/account/devices/ping"
)

// accountPayload is the opaque CBOR sign-up/sign-in/refresh body: string
// keys, per spec's "opaque CBOR keys: uid, accesstoken, refreshtoken,
// redirecturi".
type accountPayload struct {
	DI           string `cbor:"di,omitempty"`
	AuthProvider string `cbor:"authprovider,omitempty"`
	UID          string `cbor:"uid,omitempty"`
	AccessToken  string `cbor:"accesstoken,omitempty"`
	RefreshToken string `cbor:"refreshtoken,omitempty"`
	RedirectURI  string `cbor:"redirecturi,omitempty"`
	Login        bool   `cbor:"login,omitempty"`
	Message      string `cbor:"message,omitempty"`
}

// pingIntervalPayload carries the find-ping-interval response body: an
// array of candidate intervals in seconds, the last of which wins.
type pingIntervalPayload struct {
	Inarray []int `cbor:"inarray"`
}

// HTTPResponder implements Responder against a real OCF Cloud server
// over HTTPS. It classifies non-2xx responses by the CBOR "message"
// field the way the OCF Cloud API itself reports failures (token
// expiry, authorization failure, device-not-found), and otherwise
// treats the HTTP status alone as the classification signal.
//
// net/http (stdlib) is used here rather than a third-party HTTP client:
// the one HTTP client in the retrieval pack, go-retryablehttp, bakes in
// its own exponential-backoff retry loop, which would double up with
// Manager's fixed-table retry state machine -- the same backoff-vs-
// fixed-table conflict that ruled out pkg/connection/backoff.go.
type HTTPResponder struct {
	client *http.Client
}

// NewHTTPResponder creates a responder using client, or a new
// http.Client with a 10-second timeout if client is nil.
func NewHTTPResponder(client *http.Client) *HTTPResponder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPResponder{client: client}
}

func (r *HTTPResponder) do(ctx *Context, method, path string, req *accountPayload) (*Outcome, error) {
	var body io.Reader
	if req != nil {
		encoded, err := cbor.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("cloud: encoding request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(context.Background(), method, ctx.CIURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("cloud: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/cbor")
	if ctx.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ctx.AccessToken)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return &Outcome{OK: false, Classification: ClassifyOther}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Outcome{OK: false, Classification: ClassifyOther}, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var payload accountPayload
		if len(data) > 0 {
			if err := cbor.Unmarshal(data, &payload); err != nil {
				return &Outcome{OK: false, Classification: ClassifyOther}, err
			}
		}
		return &Outcome{
			OK:           true,
			UID:          payload.UID,
			AccessToken:  payload.AccessToken,
			RefreshToken: payload.RefreshToken,
			RedirectURI:  payload.RedirectURI,
		}, nil
	}

	var payload accountPayload
	cbor.Unmarshal(data, &payload)
	return &Outcome{OK: false, Classification: classifyResponse(resp.StatusCode, payload.Message)}, nil
}

// classifyResponse maps an OCF Cloud error response to a Classification,
// preferring the server's message text (these substrings are the OCF
// Cloud API's own wording) and falling back to the HTTP status alone.
func classifyResponse(status int, message string) Classification {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "token validation failed"), strings.Contains(lower, "token expired"):
		return ClassifyTokenExpired
	case strings.Contains(lower, "account authorization failed"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "user not found"):
		return ClassifyUnauthorized
	case strings.Contains(lower, "device not found"):
		return ClassifyDeviceNotFound
	case strings.Contains(lower, "internal server error"), status >= 500:
		return ClassifyInternalError
	default:
		return ClassifyOther
	}
}

// SignUp registers the device with the cloud, exchanging an auth
// provider token for a UID/access/refresh token pair.
func (r *HTTPResponder) SignUp(ctx *Context) (*Outcome, error) {
	return r.do(ctx, http.MethodPost, pathAccount, &accountPayload{
		DI:           ctx.Device,
		AuthProvider: ctx.AuthProvider,
	})
}

// SignIn establishes a cloud session using the current access token.
func (r *HTTPResponder) SignIn(ctx *Context) (*Outcome, error) {
	return r.do(ctx, http.MethodPost, pathSession, &accountPayload{
		DI:          ctx.Device,
		UID:         ctx.UID,
		AccessToken: ctx.AccessToken,
		Login:       true,
	})
}

// RefreshToken exchanges the refresh token for a new access token.
func (r *HTTPResponder) RefreshToken(ctx *Context) (*Outcome, error) {
	return r.do(ctx, http.MethodPost, pathTokenRefresh, &accountPayload{
		DI:           ctx.Device,
		UID:          ctx.UID,
		RefreshToken: ctx.RefreshToken,
	})
}

// Publish registers the device's resources with the cloud so it becomes
// reachable through it.
func (r *HTTPResponder) Publish(ctx *Context) (*Outcome, error) {
	return r.do(ctx, http.MethodPost, pathDevices, &accountPayload{DI: ctx.Device})
}

// Ping sends a keep-alive heartbeat to the cloud session.
func (r *HTTPResponder) Ping(ctx *Context) (*Outcome, error) {
	return r.do(ctx, http.MethodPost, pathDevicesPing, &accountPayload{DI: ctx.Device})
}

// FindPingInterval reads the server's advertised ping interval array.
func (r *HTTPResponder) FindPingInterval(ctx *Context) ([]int, error) {
	httpReq, err := http.NewRequestWithContext(context.Background(), http.MethodGet, ctx.CIURL+pathDevicesPing, nil)
	if err != nil {
		return nil, fmt.Errorf("cloud: building request: %w", err)
	}
	if ctx.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ctx.AccessToken)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var payload pingIntervalPayload
	if err := cbor.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload.Inarray, nil
}

// Compile-time interface satisfaction check.
var _ Responder = (*HTTPResponder)(nil)
