package db_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentries/saltwire/internal/config"
	"github.com/agentries/saltwire/internal/db"
)

// testSuite holds a live Postgres container for exercising internal/db
// against the real driver and SQLSTATE behavior rather than a mock.
type testSuite struct {
	t         *testing.T
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	pool      *sql.DB
}

func newTestSuite(t *testing.T) *testSuite {
	if testing.Short() {
		t.Skip("skipping Postgres-backed test in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	s := &testSuite{t: t, ctx: ctx, cancel: cancel}
	t.Cleanup(s.teardown)

	s.startPostgresContainer()
	s.openPool()

	return s
}

func (s *testSuite) startPostgresContainer() {
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

	container, err := testcontainers.GenericContainer(s.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.t, err, "start postgres container")
	s.container = container
}

func (s *testSuite) openPool() {
	host, err := s.container.Host(s.ctx)
	require.NoError(s.t, err)
	mapped, err := s.container.MappedPort(s.ctx, "5432")
	require.NoError(s.t, err)

	dsn := fmt.Sprintf("postgres://saltwire:saltwire@%s:%s/saltwire?sslmode=disable", host, mapped.Port())

	pool, err := db.Open(config.DatabaseConfig{
		DSN:             dsn,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(s.t, err)
	require.NoError(s.t, pool.PingContext(s.ctx))
	s.pool = pool
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

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestSuite(t)

	require.NoError(t, db.Migrate(s.ctx, s.pool))
	require.NoError(t, db.Migrate(s.ctx, s.pool), "rerunning Migrate on an already-migrated database must be a no-op")
}

func TestIsUniqueViolation(t *testing.T) {
	s := newTestSuite(t)
	require.NoError(t, db.Migrate(s.ctx, s.pool))

	_, err := s.pool.ExecContext(s.ctx,
		`INSERT INTO account_salts (encrypted_phone, salt) VALUES ($1, $2)`, "enc-phone-1", "salt-1")
	require.NoError(t, err)

	_, err = s.pool.ExecContext(s.ctx,
		`INSERT INTO account_salts (encrypted_phone, salt) VALUES ($1, $2)`, "enc-phone-1", "salt-2")
	require.Error(t, err)
	require.True(t, db.IsUniqueViolation(err), "duplicate encrypted_phone insert should surface as a unique violation")

	_, err = s.pool.ExecContext(s.ctx,
		`INSERT INTO account_salts (encrypted_phone, salt) VALUES ($1, $2)`, "enc-phone-2", "salt-3")
	require.NoError(t, err)
}

func TestJarSequenceUniqueConstraint(t *testing.T) {
	s := newTestSuite(t)
	require.NoError(t, db.Migrate(s.ctx, s.pool))

	insertReceipt := func(cid string, seq int) error {
		_, err := s.pool.ExecContext(s.ctx,
			`INSERT INTO jar_receipts (receipt_cid, jar_id, sequence_number, sender_did, receipt_type, receipt_data, signature)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			cid, "jar-1", seq, "did:phone:"+cid, "jar.created", []byte("data"), []byte("sig"),
		)
		return err
	}

	require.NoError(t, insertReceipt("cid-1", 1))
	err := insertReceipt("cid-2", 1)
	require.Error(t, err)
	require.True(t, db.IsUniqueViolation(err), "duplicate (jar_id, sequence_number) should be a unique violation")
}
