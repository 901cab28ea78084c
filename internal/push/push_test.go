package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/agentries/saltwire/internal/config"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() error = %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "apns.p8")
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestSendBatchDispatchesAllTokens(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.Header.Get("apns-topic") != "com.example.app" {
			t.Errorf("apns-topic header = %q, want %q", r.Header.Get("apns-topic"), "com.example.app")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider, err := New(config.PushConfig{
		Enabled:        true,
		Endpoint:       server.URL,
		Topic:          "com.example.app",
		KeyID:          "KEYID",
		TeamID:         "TEAMID",
		PrivateKeyPath: writeTestKey(t),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	outcomes := provider.SendBatch(context.Background(), []string{"tok-1", "tok-2", "tok-3"})
	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Errorf("outcome for %s: unexpected error %v", o.PushToken, o.Err)
		}
		if o.Status != http.StatusOK {
			t.Errorf("outcome for %s: status = %d, want 200", o.PushToken, o.Status)
		}
	}
	if got := atomic.LoadInt32(&requests); got != 3 {
		t.Errorf("server received %d requests, want 3", got)
	}
}

func TestSendBatch410MarksDeactivate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	provider, err := New(config.PushConfig{
		Enabled:        true,
		Endpoint:       server.URL,
		Topic:          "com.example.app",
		KeyID:          "KEYID",
		TeamID:         "TEAMID",
		PrivateKeyPath: writeTestKey(t),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	outcomes := provider.SendBatch(context.Background(), []string{"stale-token"})
	if len(outcomes) != 1 {
		t.Fatalf("len(outcomes) = %d, want 1", len(outcomes))
	}
	if !outcomes[0].Deactivate {
		t.Error("410 response should set Deactivate = true")
	}
}

func TestSendBatch429DoesNotDeactivate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider, err := New(config.PushConfig{
		Enabled:        true,
		Endpoint:       server.URL,
		Topic:          "com.example.app",
		KeyID:          "KEYID",
		TeamID:         "TEAMID",
		PrivateKeyPath: writeTestKey(t),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	outcomes := provider.SendBatch(context.Background(), []string{"busy-token"})
	if outcomes[0].Deactivate {
		t.Error("429 response should not set Deactivate")
	}
	if outcomes[0].Err == nil {
		t.Error("429 response should surface as an error for logging")
	}
}

func TestSendBatchDisabledIsNoop(t *testing.T) {
	provider, err := New(config.PushConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	outcomes := provider.SendBatch(context.Background(), []string{"tok-1", "tok-2"})
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Err != nil || o.Status != 0 {
			t.Errorf("disabled provider should return zero-value outcomes, got %+v", o)
		}
	}
}

func TestSilentPayloadIsNonIdentifying(t *testing.T) {
	want := `{"aps":{"content-available":1},"inbox":1}`
	if got := string(SilentPayloadJSON()); got != want {
		t.Errorf("SilentPayloadJSON() = %q, want %q", got, want)
	}
}

func TestBearerTokenIsCached(t *testing.T) {
	provider, err := New(config.PushConfig{
		Enabled:        true,
		KeyID:          "KEYID",
		TeamID:         "TEAMID",
		PrivateKeyPath: writeTestKey(t),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	a, err := provider.bearerToken()
	if err != nil {
		t.Fatalf("bearerToken() error = %v", err)
	}
	b, err := provider.bearerToken()
	if err != nil {
		t.Fatalf("bearerToken() error = %v", err)
	}
	if a != b {
		t.Error("bearerToken() should return the cached token within the TTL window")
	}
}
