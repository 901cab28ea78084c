// Package push implements the silent-push fan-out client: a cached bearer
// JWT, a fixed non-identifying payload, and parallel per-device dispatch.
package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"

	"github.com/agentries/saltwire/internal/config"
)

// silentPayload is fixed and non-identifying: it carries no sender identity
// and no message count.
const silentPayload = `{"aps":{"content-available":1},"inbox":1}`

const bearerTokenTTL = 15 * time.Minute

// Outcome is the per-token result of one SendBatch dispatch.
type Outcome struct {
	PushToken string
	Status    int
	Err       error
	// Deactivate is true when the provider reported the token as invalid
	// (HTTP 410) and the caller should null the device's push_token.
	Deactivate bool
}

// Provider sends silent push notifications and caches its bearer JWT.
type Provider struct {
	cfg        config.PushConfig
	httpClient *http.Client
	tokenCache *ttlcache.Cache[string, string]
	privateKey *ecdsa.PrivateKey
}

// New builds a Provider. It is safe to construct even when push is disabled;
// SendBatch then returns zero-value outcomes without dispatching anything.
func New(cfg config.PushConfig) (*Provider, error) {
	p := &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokenCache: ttlcache.New(ttlcache.WithTTL[string, string](bearerTokenTTL)),
	}
	go p.tokenCache.Start()

	if cfg.Enabled {
		key, err := loadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("push: load private key: %w", err)
		}
		p.privateKey = key
	}

	return p, nil
}

func loadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not an ECDSA key")
	}
	return ecKey, nil
}

// bearerToken returns a cached ES256 bearer JWT, minting a fresh one when
// the cache is empty or expired. Effective life is bounded to 15 minutes.
func (p *Provider) bearerToken() (string, error) {
	if item := p.tokenCache.Get("bearer"); item != nil {
		return item.Value(), nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.cfg.TeamID,
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = p.cfg.KeyID

	signed, err := token.SignedString(p.privateKey)
	if err != nil {
		return "", fmt.Errorf("push: sign bearer token: %w", err)
	}

	p.tokenCache.Set("bearer", signed, ttlcache.DefaultTTL)
	return signed, nil
}

// SendBatch dispatches the silent payload to every push token in parallel
// and returns one Outcome per token. Push failure never fails the caller's
// originating send (§4.5); the caller only acts on Deactivate.
func (p *Provider) SendBatch(ctx context.Context, pushTokens []string) []Outcome {
	outcomes := make([]Outcome, len(pushTokens))
	if !p.cfg.Enabled || len(pushTokens) == 0 {
		return outcomes
	}

	bearer, err := p.bearerToken()
	if err != nil {
		for i := range outcomes {
			outcomes[i] = Outcome{PushToken: pushTokens[i], Err: err}
		}
		return outcomes
	}

	var wg sync.WaitGroup
	for i, tok := range pushTokens {
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			outcomes[i] = p.send(ctx, bearer, token)
		}(i, tok)
	}
	wg.Wait()

	return outcomes
}

func (p *Provider) send(ctx context.Context, bearer, pushToken string) Outcome {
	url := fmt.Sprintf("%s/3/device/%s", p.cfg.Endpoint, pushToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(silentPayload))
	if err != nil {
		return Outcome{PushToken: pushToken, Err: err}
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", p.cfg.Topic)
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")
	req.Header.Set("content-type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Outcome{PushToken: pushToken, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return Outcome{PushToken: pushToken, Status: resp.StatusCode}
	case http.StatusGone:
		return Outcome{PushToken: pushToken, Status: resp.StatusCode, Deactivate: true}
	default:
		// 429 and 5xx are logged by the caller; they do not deactivate the device.
		return Outcome{PushToken: pushToken, Status: resp.StatusCode, Err: fmt.Errorf("push: provider returned %d", resp.StatusCode)}
	}
}

// SilentPayloadJSON exposes the fixed wakeup body for tests and logging.
func SilentPayloadJSON() []byte {
	return []byte(silentPayload)
}
