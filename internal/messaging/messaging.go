// Package messaging implements the relay's encrypted message fan-out:
// ingest, inbox retrieval, delivery acknowledgement, deletion, and a
// non-blocking silent-push wakeup for recipient devices.
package messaging

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentries/saltwire/internal/apperrors"
	"github.com/agentries/saltwire/internal/blobstore"
	"github.com/agentries/saltwire/internal/identity"
	"github.com/agentries/saltwire/internal/push"
)

// SendInput is the validated request body for POST /api/messages/send.
type SendInput struct {
	MessageID        string
	ReceiptCID       string
	SenderDID        string
	SenderDeviceID   string
	RecipientDIDs    []string
	EncryptedPayload []byte
	WrappedKeys      map[string]string
	Signature        []byte
}

// Message is one row returned from the inbox, with the ciphertext already
// re-encoded to base64 for the wire.
type Message struct {
	MessageID        string
	ReceiptCID       string
	SenderDID        string
	WrappedKeys      map[string]string
	EncryptedPayload string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// Store sits over Postgres, Azure Blob Storage, and the push provider. It
// holds concrete collaborators rather than an interface per dependency:
// there is exactly one production implementation of each collaborator in
// this repo.
type Store struct {
	pool     *sql.DB
	blobs    *blobstore.Store
	identity *identity.Store
	pusher   *push.Provider
	log      *zap.Logger
	ttl      time.Duration
}

// New builds a Store.
func New(pool *sql.DB, blobs *blobstore.Store, identityStore *identity.Store, pusher *push.Provider, log *zap.Logger, messageTTL time.Duration) *Store {
	return &Store{pool: pool, blobs: blobs, identity: identityStore, pusher: pusher, log: log, ttl: messageTTL}
}

// Send implements §4.5's ingest pipeline in order: device ownership check,
// duplicate rejection, blob write, metadata insert, per-recipient delivery
// rows, then a non-blocking push fan-out.
func (s *Store) Send(ctx context.Context, in SendInput) error {
	device, err := s.identity.GetActiveDevice(ctx, in.SenderDeviceID)
	if err != nil {
		return err
	}
	if device.OwnerDID != in.SenderDID {
		return apperrors.Forbidden("sender_device_id is not owned by sender_did")
	}

	var exists bool
	err = s.pool.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM encrypted_messages WHERE message_id = $1)`, in.MessageID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("messaging: duplicate check: %w", err)
	}
	if exists {
		return apperrors.Validation("message_id already exists")
	}

	wrappedKeysJSON, err := json.Marshal(in.WrappedKeys)
	if err != nil {
		return fmt.Errorf("messaging: marshal wrapped_keys: %w", err)
	}

	// Blob write happens before the metadata insert: a visible metadata row
	// must always resolve to a blob. The converse (a blob with no row) is an
	// orphan that the retention sweep reclaims.
	blobKey, err := s.blobs.Put(ctx, in.MessageID, in.EncryptedPayload, blobstore.Metadata{
		MessageID:  in.MessageID,
		ReceiptCID: in.ReceiptCID,
		SenderDID:  in.SenderDID,
		UploadedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("messaging: blob put: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("messaging: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO encrypted_messages
		   (message_id, receipt_cid, sender_did, sender_device_id, wrapped_keys, signature, blob_key, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now() + $8::interval)`,
		in.MessageID, in.ReceiptCID, in.SenderDID, in.SenderDeviceID, wrappedKeysJSON, in.Signature, blobKey,
		fmt.Sprintf("%d seconds", int64(s.ttl.Seconds())),
	)
	if err != nil {
		return fmt.Errorf("messaging: insert message: %w", err)
	}

	for _, recipient := range in.RecipientDIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO message_delivery (message_id, recipient_did, delivered_at) VALUES ($1, $2, NULL)`,
			in.MessageID, recipient,
		)
		if err != nil {
			return fmt.Errorf("messaging: insert delivery row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("messaging: commit: %w", err)
	}

	go s.pushFanOut(context.Background(), in.RecipientDIDs)

	return nil
}

// pushFanOut resolves active recipient devices with a push token and
// dispatches the silent wakeup. It runs detached from the request's
// context and never reports failure back to Send (§4.5).
func (s *Store) pushFanOut(ctx context.Context, recipientDIDs []string) {
	devices, err := s.identity.ListDevicesForDIDs(ctx, recipientDIDs)
	if err != nil {
		s.log.Warn("push fan-out: list devices failed", zap.Error(err))
		return
	}

	var tokens []string
	tokenToDevice := make(map[string]string, len(devices))
	for _, d := range devices {
		if d.PushToken == "" {
			continue
		}
		tokens = append(tokens, d.PushToken)
		tokenToDevice[d.PushToken] = d.DeviceID
	}
	if len(tokens) == 0 {
		return
	}

	outcomes := s.pusher.SendBatch(ctx, tokens)
	for _, o := range outcomes {
		switch {
		case o.Deactivate:
			if deviceID, ok := tokenToDevice[o.PushToken]; ok {
				if err := s.identity.DeactivateDevice(ctx, deviceID); err != nil {
					s.log.Warn("push fan-out: deactivate device failed", zap.String("device_id", deviceID), zap.Error(err))
				}
			}
		case o.Err != nil:
			s.log.Info("push fan-out: provider returned non-success status", zap.Int("status", o.Status), zap.Error(o.Err))
		}
	}
}

// Inbox returns messages delivered to did, newest first, with has_more set
// when the result size equals limit.
func (s *Store) Inbox(ctx context.Context, did string, since time.Time, limit int) ([]Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.pool.QueryContext(ctx,
		`SELECT m.message_id, COALESCE(m.receipt_cid, ''), m.sender_did, m.wrapped_keys, m.blob_key, COALESCE(m.inline_payload, ''), m.created_at, m.expires_at
		 FROM encrypted_messages m
		 JOIN message_delivery d ON d.message_id = m.message_id
		 WHERE d.recipient_did = $1 AND m.created_at > $2 AND m.expires_at > now()
		 ORDER BY m.created_at DESC
		 LIMIT $3`,
		did, since, limit,
	)
	if err != nil {
		return nil, false, fmt.Errorf("messaging: inbox query: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg             Message
			wrappedKeysJSON []byte
			blobKey         sql.NullString
			inlinePayload   string
		)
		if err := rows.Scan(&msg.MessageID, &msg.ReceiptCID, &msg.SenderDID, &wrappedKeysJSON, &blobKey, &inlinePayload, &msg.CreatedAt, &msg.ExpiresAt); err != nil {
			return nil, false, fmt.Errorf("messaging: scan inbox row: %w", err)
		}
		if err := json.Unmarshal(wrappedKeysJSON, &msg.WrappedKeys); err != nil {
			return nil, false, fmt.Errorf("messaging: unmarshal wrapped_keys: %w", err)
		}

		if blobKey.Valid && blobKey.String != "" {
			body, err := s.blobs.Get(ctx, blobKey.String)
			if err != nil {
				return nil, false, fmt.Errorf("messaging: fetch blob %s: %w", blobKey.String, err)
			}
			msg.EncryptedPayload = base64.StdEncoding.EncodeToString(body)
		} else {
			msg.EncryptedPayload = inlinePayload
		}

		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	return out, len(out) == limit, nil
}

// MarkDelivered sets delivered_at on a pending delivery row. The null guard
// keeps a retried call from re-stamping delivered_at: the retry changes no
// row and returns NOT_FOUND, as does a call with no pending row.
func (s *Store) MarkDelivered(ctx context.Context, messageID, recipientDID string) error {
	res, err := s.pool.ExecContext(ctx,
		`UPDATE message_delivery SET delivered_at = now()
		 WHERE message_id = $1 AND recipient_did = $2 AND delivered_at IS NULL`,
		messageID, recipientDID,
	)
	if err != nil {
		return fmt.Errorf("messaging: mark delivered: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("messaging: rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("pending delivery")
	}
	return nil
}

// Delete removes a message's blob, row, and cascaded delivery rows. Only the
// sender may delete a non-expired message; once expired, anyone may (the
// conditional predicate is the single source of truth, not an application
// if/else — it runs as one WHERE clause so there is no TOCTOU window).
func (s *Store) Delete(ctx context.Context, messageID, callerDID string) error {
	var blobKey sql.NullString
	err := s.pool.QueryRowContext(ctx,
		`SELECT blob_key FROM encrypted_messages
		 WHERE message_id = $1 AND (sender_did = $2 OR expires_at < now())`,
		messageID, callerDID,
	).Scan(&blobKey)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.Forbidden("message not found or caller may not delete it")
	}
	if err != nil {
		return fmt.Errorf("messaging: delete lookup: %w", err)
	}

	if blobKey.Valid && blobKey.String != "" {
		if err := s.blobs.Delete(ctx, blobKey.String); err != nil {
			return fmt.Errorf("messaging: delete blob: %w", err)
		}
	}

	_, err = s.pool.ExecContext(ctx,
		`DELETE FROM encrypted_messages WHERE message_id = $1`, messageID,
	)
	if err != nil {
		return fmt.Errorf("messaging: delete message row: %w", err)
	}
	return nil
}
