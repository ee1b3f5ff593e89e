package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPKDFClient is the production envelope.KDFClient: a plain HTTP
// client against the external threshold-KDF service's two calls (spec
// §6 "KDF interface"). Retries and circuit-breaking are layered on by
// internal/resiliency at the call site, not here — this client is a
// thin, honest transport.
type HTTPKDFClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPKDFClient constructs a client against baseURL.
func NewHTTPKDFClient(baseURL string) *HTTPKDFClient {
	return &HTTPKDFClient{baseURL: baseURL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPKDFClient) PublicKey(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/public_key", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.PublicKey)
}

func (c *HTTPKDFClient) EncryptedKey(ctx context.Context, transportPK, derivationID []byte) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"transport_pk":  base64.StdEncoding.EncodeToString(transportPK),
		"derivation_id": base64.StdEncoding.EncodeToString(derivationID),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/encrypted_key", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		EncryptedKey string `json:"encrypted_key"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.EncryptedKey)
}

func (c *HTTPKDFClient) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("envelope: kdf request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("envelope: kdf returned %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
