package jar_test

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/agentries/saltwire/internal/config"
	"github.com/agentries/saltwire/internal/cryptoutil"
	"github.com/agentries/saltwire/internal/db"
	"github.com/agentries/saltwire/internal/identity"
	"github.com/agentries/saltwire/internal/jar"
)

type testSuite struct {
	t         *testing.T
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	pool      *sql.DB
	identity  *identity.Store
	store     *jar.Store
}

func newTestSuite(t *testing.T) *testSuite {
	if testing.Short() {
		t.Skip("skipping Postgres-backed test in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	s := &testSuite{t: t, ctx: ctx, cancel: cancel}
	t.Cleanup(s.teardown)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "saltwire",
			"POSTGRES_PASSWORD": "saltwire",
			"POSTGRES_DB":       "saltwire",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	s.container = container

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://saltwire:saltwire@%s:%s/saltwire?sslmode=disable", host, mapped.Port())
	pool, err := db.Open(config.DatabaseConfig{DSN: dsn, MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)
	require.NoError(t, pool.PingContext(ctx))
	require.NoError(t, db.Migrate(ctx, pool))
	s.pool = pool

	phones, err := cryptoutil.NewPhoneCipher(make([]byte, 32))
	require.NoError(t, err)
	s.identity = identity.New(pool, phones)
	s.store = jar.New(pool, s.identity, zap.NewNop())

	return s
}

func (s *testSuite) teardown() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
	s.cancel()
}

// registerSigner creates an active device for did with a fresh Ed25519
// keypair and returns the private key for signing test receipts.
func (s *testSuite) registerSigner(did string) ed25519.PrivateKey {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(s.t, err)

	err = s.identity.RegisterDevice(s.ctx, identity.Device{
		DeviceID:   uuid.NewString(),
		DeviceName: "signer",
		OwnerDID:   did,
		X25519Pub:  "x25519-pub",
		Ed25519Pub: base64.StdEncoding.EncodeToString(pub),
	}, "+14155550100")
	require.NoError(s.t, err)

	return priv
}

func signReceipt(t *testing.T, priv ed25519.PrivateKey, receiptType, senderDID string, payload map[string]any) ([]byte, []byte) {
	t.Helper()
	data, err := cbor.Marshal(struct {
		ReceiptType string         `cbor:"receipt_type"`
		SenderDID   string         `cbor:"sender_did"`
		Timestamp   uint64         `cbor:"timestamp"`
		Payload     map[string]any `cbor:"payload"`
	}{
		ReceiptType: receiptType,
		SenderDID:   senderDID,
		Timestamp:   uint64(time.Now().UnixMilli()),
		Payload:     payload,
	})
	require.NoError(t, err)

	sig := ed25519.Sign(priv, data)
	return data, sig
}

func TestStoreReceiptGenesisThenMember(t *testing.T) {
	s := newTestSuite(t)

	ownerDID := "did:phone:owner00000000000000000000000000000000000000000000001"
	memberDID := "did:phone:member0000000000000000000000000000000000000000000001"
	ownerKey := s.registerSigner(ownerDID)
	s.registerSigner(memberDID)

	jarID := "jar-1"

	createData, createSig := signReceipt(t, ownerKey, "jar.created", ownerDID, map[string]any{})
	seq1, err := s.store.StoreReceipt(s.ctx, jarID, createData, createSig, "", "")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)

	addData, addSig := signReceipt(t, ownerKey, "jar.member_added", ownerDID, map[string]any{"member_did": memberDID})
	seq2, err := s.store.StoreReceipt(s.ctx, jarID, addData, addSig, "", "")
	require.NoError(t, err)
	require.Equal(t, int64(2), seq2)

	jars, err := s.store.ListJars(s.ctx, memberDID)
	require.NoError(t, err)
	require.Len(t, jars, 1)
	require.Equal(t, jarID, jars[0].JarID)
	require.Equal(t, "member", jars[0].Role)
}

func TestStoreReceiptRejectsNonMemberAfterGenesis(t *testing.T) {
	s := newTestSuite(t)

	ownerDID := "did:phone:owner20000000000000000000000000000000000000000000001"
	outsiderDID := "did:phone:outsider0000000000000000000000000000000000000000001"
	ownerKey := s.registerSigner(ownerDID)
	outsiderKey := s.registerSigner(outsiderDID)

	jarID := "jar-2"
	createData, createSig := signReceipt(t, ownerKey, "jar.created", ownerDID, map[string]any{})
	_, err := s.store.StoreReceipt(s.ctx, jarID, createData, createSig, "", "")
	require.NoError(t, err)

	badData, badSig := signReceipt(t, outsiderKey, "jar.member_added", outsiderDID, map[string]any{"member_did": outsiderDID})
	_, err = s.store.StoreReceipt(s.ctx, jarID, badData, badSig, "", "")
	require.Error(t, err, "a non-member writing to a non-genesis jar must be forbidden")
}

func TestStoreReceiptRejectsBadSignature(t *testing.T) {
	s := newTestSuite(t)

	ownerDID := "did:phone:owner30000000000000000000000000000000000000000000001"
	s.registerSigner(ownerDID)

	data, _ := signReceipt(t, ed25519.PrivateKey(make([]byte, ed25519.PrivateKeySize)), "jar.created", ownerDID, map[string]any{})
	_, err := s.store.StoreReceipt(s.ctx, "jar-3", data, make([]byte, ed25519.SignatureSize), "", "")
	require.Error(t, err)
}

func TestStoreReceiptIsIdempotent(t *testing.T) {
	s := newTestSuite(t)

	ownerDID := "did:phone:owner40000000000000000000000000000000000000000000001"
	ownerKey := s.registerSigner(ownerDID)

	data, sig := signReceipt(t, ownerKey, "jar.created", ownerDID, map[string]any{})
	seq1, err := s.store.StoreReceipt(s.ctx, "jar-4", data, sig, "", "")
	require.NoError(t, err)

	seq2, err := s.store.StoreReceipt(s.ctx, "jar-4", data, sig, "", "")
	require.NoError(t, err)
	require.Equal(t, seq1, seq2, "resubmitting the same receipt_cid must return the already-assigned sequence")
}

func TestGetReceiptsAfterRequiresActiveMember(t *testing.T) {
	s := newTestSuite(t)

	ownerDID := "did:phone:owner50000000000000000000000000000000000000000000001"
	outsiderDID := "did:phone:outsider2000000000000000000000000000000000000001"
	ownerKey := s.registerSigner(ownerDID)
	s.registerSigner(outsiderDID)

	jarID := "jar-5"
	data, sig := signReceipt(t, ownerKey, "jar.created", ownerDID, map[string]any{})
	_, err := s.store.StoreReceipt(s.ctx, jarID, data, sig, "", "")
	require.NoError(t, err)

	_, err = s.store.GetReceiptsAfter(s.ctx, jarID, outsiderDID, 0, 100)
	require.Error(t, err)

	receipts, err := s.store.GetReceiptsAfter(s.ctx, jarID, ownerDID, 0, 100)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
}

func TestGetReceiptsRangeRejectsInvertedBounds(t *testing.T) {
	s := newTestSuite(t)

	ownerDID := "did:phone:owner60000000000000000000000000000000000000000000001"
	s.registerSigner(ownerDID)

	_, err := s.store.GetReceiptsRange(s.ctx, "jar-6", ownerDID, 5, 1)
	require.Error(t, err)
}
