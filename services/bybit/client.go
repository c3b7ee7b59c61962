package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/omnivenue/routing/pkg/types"
)

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"

	recvWindow = "5000"
)

// client is a minimal Bybit v5 REST client: HMAC-SHA256 request signing and
// retCode classification into the shared error taxonomy.
type client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

func newClient(cred types.Credential) *client {
	baseURL := mainnetURL
	if cred.Sandbox {
		baseURL = testnetURL
	}
	return &client{
		baseURL:   baseURL,
		apiKey:    cred.APIKey,
		apiSecret: cred.APISecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// sign computes the v5 signature over timestamp + key + recvWindow + payload.
func (c *client) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// get performs a signed GET. query is the raw encoded query string.
func (c *client) get(ctx context.Context, path, query string, out interface{}) error {
	url := c.baseURL + path
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &types.NetworkError{Venue: "bybit", Op: "GET " + path, Err: err}
	}
	c.authorize(req, query)
	return c.do(req, path, out)
}

// post performs a signed POST with a JSON body.
func (c *client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &types.NetworkError{Venue: "bybit", Op: "POST " + path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, string(payload))
	return c.do(req, path, out)
}

func (c *client) authorize(req *http.Request, payload string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(timestamp, payload))
}

func (c *client) do(req *http.Request, path string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &types.NetworkError{Venue: "bybit", Op: req.Method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &types.NetworkError{Venue: "bybit", Op: "read response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &types.VenueError{Venue: "bybit", Code: resp.StatusCode, Message: string(body)}
	}

	var base baseResponse
	if err := json.Unmarshal(body, &base); err != nil {
		return &types.VenueError{Venue: "bybit", Code: resp.StatusCode, Message: "malformed response body"}
	}
	if err := classifyRetCode(base.RetCode, base.RetMsg); err != nil {
		return err
	}
	if out != nil && len(base.Result) > 0 {
		if err := json.Unmarshal(base.Result, out); err != nil {
			return &types.VenueError{Venue: "bybit", Code: base.RetCode, Message: "malformed result payload"}
		}
	}
	return nil
}

// classifyRetCode maps a v5 return code into the shared taxonomy by code,
// never by message text.
func classifyRetCode(code int, msg string) error {
	switch code {
	case retOK:
		return nil
	case retInvalidAPIKey, retSignatureError, retPermission:
		return &types.AuthError{Venue: "bybit", Reason: msg}
	case retBalanceError, retOrderNotExist:
		return &types.RejectedOrderError{Venue: "bybit", Reason: msg}
	case retParamError:
		return &types.InvalidRequestError{Field: "request", Reason: msg}
	default:
		return &types.VenueError{Venue: "bybit", Code: code, Message: msg}
	}
}
