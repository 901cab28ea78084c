// Package jar implements the relay's signed, append-only receipt log:
// integrity and authorization checks, race-safe relay-assigned sequence
// numbers, materialization of membership state, and backfill queries.
package jar

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/agentries/saltwire/internal/apperrors"
	"github.com/agentries/saltwire/internal/cryptoutil"
	"github.com/agentries/saltwire/internal/db"
	"github.com/agentries/saltwire/internal/encoding"
	"github.com/agentries/saltwire/internal/identity"
)

const (
	maxSequenceRetries = 5
	sequenceBackoffUnit = 10 * time.Millisecond

	backfillDefaultLimit = 500
	backfillMaxLimit     = 1000
)

// Receipt is one stored envelope, as returned from a backfill query.
type Receipt struct {
	ReceiptCID     string
	JarID          string
	SequenceNumber int64
	SenderDID      string
	ReceiptType    string
	ReceiptData    []byte
	Signature      []byte
	ParentCID      string
	ReceivedAt     time.Time
}

// JarMembership is one entry of a caller's jar list.
type JarMembership struct {
	JarID string
	Role  string
}

// Store sits over Postgres. Key resolution delegates to internal/identity
// so both message and receipt authentication share the same
// active-device-key notion.
type Store struct {
	pool     *sql.DB
	identity *identity.Store
	log      *zap.Logger
}

// New builds a Store.
func New(pool *sql.DB, identityStore *identity.Store, log *zap.Logger) *Store {
	return &Store{pool: pool, identity: identityStore, log: log}
}

// StoreReceipt runs the full §4.6 pipeline: parse, CID check, idempotency,
// key lookup, signature verification, authorization, race-safe sequence
// assignment, and materialization. It returns the authoritative sequence
// number, whether freshly assigned or replayed from an idempotent resubmit.
func (s *Store) StoreReceipt(ctx context.Context, jarID string, receiptData, signature []byte, claimedCID, parentCID string) (int64, error) {
	raw, err := encoding.DecodeReceipt(receiptData)
	if err != nil {
		return 0, apperrors.Validation(err.Error())
	}

	receiptCID := encoding.ComputeCID(receiptData)
	if claimedCID != "" && claimedCID != receiptCID {
		return 0, apperrors.Validation("claimed receipt_cid does not match computed CID")
	}

	if seq, found, err := s.existingSequence(ctx, receiptCID); err != nil {
		return 0, err
	} else if found {
		return seq, nil
	}

	senderDID, err := encoding.ExtractSenderDID(receiptData)
	if err != nil {
		return 0, apperrors.Validation(err.Error())
	}
	pubKeyB64, err := s.identity.LatestActiveEd25519Key(ctx, senderDID)
	if err != nil {
		return 0, err
	}
	pubKey, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return 0, fmt.Errorf("jar: decode sender public key: %w", err)
	}

	ok, err := cryptoutil.VerifySignature(pubKey, receiptData, signature)
	if err != nil {
		return 0, apperrors.Forbidden(err.Error())
	}
	if !ok {
		return 0, apperrors.Forbidden("receipt signature verification failed")
	}

	if err := s.authorize(ctx, jarID, raw.SenderDID); err != nil {
		return 0, err
	}

	if parentCID != "" {
		var exists bool
		err := s.pool.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM jar_receipts WHERE receipt_cid = $1)`, parentCID,
		).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("jar: parent_cid lookup: %w", err)
		}
		if !exists {
			s.log.Warn("jar: parent_cid not found, accepting anyway", zap.String("parent_cid", parentCID), zap.String("jar_id", jarID))
		}
	}

	timestamp, err := narrowTimestamp(raw.Timestamp)
	if err != nil {
		return 0, apperrors.Validation(err.Error())
	}

	seq, err := s.assignSequence(ctx, jarID, receiptCID, raw.SenderDID, raw.ReceiptType, receiptData, signature, parentCID)
	if err != nil {
		return 0, err
	}

	if err := s.materialize(ctx, jarID, receiptCID, raw, timestamp); err != nil {
		// Receipts are the source of truth; a materialization failure is
		// logged and the view can be rebuilt later by replaying the log.
		s.log.Error("jar: materialization failed", zap.String("jar_id", jarID), zap.String("receipt_cid", receiptCID), zap.Error(err))
	}

	return seq, nil
}

func (s *Store) existingSequence(ctx context.Context, receiptCID string) (int64, bool, error) {
	var seq int64
	err := s.pool.QueryRowContext(ctx,
		`SELECT sequence_number FROM jar_receipts WHERE receipt_cid = $1`, receiptCID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("jar: idempotency lookup: %w", err)
	}
	return seq, true, nil
}

// authorize enforces: an active jar member may write; a non-member may only
// write when the jar currently has zero receipts (its jar.created genesis).
func (s *Store) authorize(ctx context.Context, jarID, senderDID string) error {
	var isMember bool
	err := s.pool.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM jar_members WHERE jar_id = $1 AND member_did = $2 AND status = 'active')`,
		jarID, senderDID,
	).Scan(&isMember)
	if err != nil {
		return fmt.Errorf("jar: membership check: %w", err)
	}
	if isMember {
		return nil
	}

	var receiptCount int64
	err = s.pool.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jar_receipts WHERE jar_id = $1`, jarID,
	).Scan(&receiptCount)
	if err != nil {
		return fmt.Errorf("jar: receipt count check: %w", err)
	}
	if receiptCount == 0 {
		return nil
	}
	return apperrors.Forbidden("sender is not an active member of this jar")
}

// assignSequence inserts the receipt with a relay-assigned, dense sequence
// number. The unique constraint on (jar_id, sequence_number) is the
// correctness anchor; a conflicting concurrent writer causes a unique
// violation here, and the insert is retried with exponential backoff.
func (s *Store) assignSequence(ctx context.Context, jarID, receiptCID, senderDID, receiptType string, receiptData, signature []byte, parentCID string) (int64, error) {
	var parent sql.NullString
	if parentCID != "" {
		parent = sql.NullString{String: parentCID, Valid: true}
	}

	for attempt := 1; attempt <= maxSequenceRetries; attempt++ {
		var seq int64
		err := s.pool.QueryRowContext(ctx,
			`INSERT INTO jar_receipts (receipt_cid, jar_id, sequence_number, sender_did, receipt_type, receipt_data, signature, parent_cid)
			 VALUES ($1, $2, COALESCE((SELECT MAX(sequence_number) FROM jar_receipts WHERE jar_id = $2), 0) + 1, $3, $4, $5, $6, $7)
			 RETURNING sequence_number`,
			receiptCID, jarID, senderDID, receiptType, receiptData, signature, parent,
		).Scan(&seq)
		if err == nil {
			return seq, nil
		}
		if !db.IsUniqueViolation(err) {
			return 0, fmt.Errorf("jar: assign sequence: %w", err)
		}
		if attempt == maxSequenceRetries {
			return 0, fmt.Errorf("jar: assign sequence: exhausted %d retries on unique violation: %w", maxSequenceRetries, err)
		}
		backoff := time.Duration(attempt) * sequenceBackoffUnit
		// jitter avoids every retrying writer waking on the same tick
		backoff += time.Duration(rand.Intn(int(sequenceBackoffUnit)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0, fmt.Errorf("jar: assign sequence: unreachable")
}

func narrowTimestamp(ts uint64) (int64, error) {
	if ts > uint64(math.MaxInt64) {
		return 0, fmt.Errorf("jar: receipt timestamp %d overflows int64", ts)
	}
	return int64(ts), nil
}

// GetReceiptsAfter returns receipts with sequence_number > after, ascending,
// capped at min(limit, 1000); limit <= 0 uses the 500 default.
func (s *Store) GetReceiptsAfter(ctx context.Context, jarID, callerDID string, after int64, limit int) ([]Receipt, error) {
	if err := s.requireActiveMember(ctx, jarID, callerDID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = backfillDefaultLimit
	}
	if limit > backfillMaxLimit {
		limit = backfillMaxLimit
	}

	rows, err := s.pool.QueryContext(ctx,
		`SELECT receipt_cid, jar_id, sequence_number, sender_did, receipt_type, receipt_data, signature, COALESCE(parent_cid, ''), created_at
		 FROM jar_receipts WHERE jar_id = $1 AND sequence_number > $2
		 ORDER BY sequence_number ASC LIMIT $3`,
		jarID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("jar: backfill after query: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// GetReceiptsRange returns receipts with sequence_number in [from, to],
// ascending. Rejects from > to.
func (s *Store) GetReceiptsRange(ctx context.Context, jarID, callerDID string, from, to int64) ([]Receipt, error) {
	if from > to {
		return nil, apperrors.Validation("from must not be greater than to")
	}
	if err := s.requireActiveMember(ctx, jarID, callerDID); err != nil {
		return nil, err
	}

	rows, err := s.pool.QueryContext(ctx,
		`SELECT receipt_cid, jar_id, sequence_number, sender_did, receipt_type, receipt_data, signature, COALESCE(parent_cid, ''), created_at
		 FROM jar_receipts WHERE jar_id = $1 AND sequence_number BETWEEN $2 AND $3
		 ORDER BY sequence_number ASC`,
		jarID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("jar: backfill range query: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

func scanReceipts(rows *sql.Rows) ([]Receipt, error) {
	var out []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.ReceiptCID, &r.JarID, &r.SequenceNumber, &r.SenderDID, &r.ReceiptType, &r.ReceiptData, &r.Signature, &r.ParentCID, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("jar: scan receipt row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) requireActiveMember(ctx context.Context, jarID, callerDID string) error {
	var isMember bool
	err := s.pool.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM jar_members WHERE jar_id = $1 AND member_did = $2 AND status = 'active')`,
		jarID, callerDID,
	).Scan(&isMember)
	if err != nil {
		return fmt.Errorf("jar: membership check: %w", err)
	}
	if !isMember {
		return apperrors.Forbidden("caller is not an active member of this jar")
	}
	return nil
}

// ListJars returns every (jar, role) pair callerDID is an active member of.
func (s *Store) ListJars(ctx context.Context, callerDID string) ([]JarMembership, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT jar_id, role FROM jar_members WHERE member_did = $1 AND status = 'active'`,
		callerDID,
	)
	if err != nil {
		return nil, fmt.Errorf("jar: list jars: %w", err)
	}
	defer rows.Close()

	var out []JarMembership
	for rows.Next() {
		var m JarMembership
		if err := rows.Scan(&m.JarID, &m.Role); err != nil {
			return nil, fmt.Errorf("jar: scan jar membership row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
