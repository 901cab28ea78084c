// Package identity implements the relay's identity store: account salts,
// phone→DID lookup, and device registration/heartbeat.
package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/agentries/saltwire/internal/apperrors"
	"github.com/agentries/saltwire/internal/cryptoutil"
)

// Device is a registered client device.
type Device struct {
	DeviceID    string
	DeviceName  string
	OwnerDID    string
	X25519Pub   string
	Ed25519Pub  string
	PushToken   string
	Status      string
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

// Store is the relay's identity store, backed by Postgres: one store with
// a narrow method set, pointed at durable storage instead of an in-memory
// map.
type Store struct {
	pool   *sql.DB
	phones *cryptoutil.PhoneCipher
}

// New builds a Store over an open connection pool and the process-wide
// phone cipher.
func New(pool *sql.DB, phones *cryptoutil.PhoneCipher) *Store {
	return &Store{pool: pool, phones: phones}
}

// GetOrCreateAccountSalt returns the caller's existing salt, or generates and
// persists a new 32-byte random one. Safe under concurrent first-time calls
// for the same phone: the unique primary key on encrypted_phone plus an
// insert-or-ignore-then-reread guarantees exactly one writer wins.
func (s *Store) GetOrCreateAccountSalt(ctx context.Context, phone string) (salt string, created bool, err error) {
	encPhone, err := s.phones.Encrypt(phone)
	if err != nil {
		return "", false, fmt.Errorf("identity: encrypt phone: %w", err)
	}

	newSaltBytes := make([]byte, 32)
	if _, err := rand.Read(newSaltBytes); err != nil {
		return "", false, fmt.Errorf("identity: generate salt: %w", err)
	}
	newSalt := base64.StdEncoding.EncodeToString(newSaltBytes)

	res, err := s.pool.ExecContext(ctx,
		`INSERT INTO account_salts (encrypted_phone, salt) VALUES ($1, $2)
		 ON CONFLICT (encrypted_phone) DO NOTHING`,
		encPhone, newSalt,
	)
	if err != nil {
		return "", false, fmt.Errorf("identity: insert salt: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("identity: rows affected: %w", err)
	}
	if rows == 1 {
		return newSalt, true, nil
	}

	var existing string
	err = s.pool.QueryRowContext(ctx,
		`SELECT salt FROM account_salts WHERE encrypted_phone = $1`, encPhone,
	).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("identity: reread salt: %w", err)
	}
	return existing, false, nil
}

// LookupDID resolves a single phone to its DID. Returns NOT_FOUND if absent.
func (s *Store) LookupDID(ctx context.Context, phone string) (string, error) {
	encPhone, err := s.phones.Encrypt(phone)
	if err != nil {
		return "", fmt.Errorf("identity: encrypt phone: %w", err)
	}

	var did string
	err = s.pool.QueryRowContext(ctx,
		`SELECT did FROM phone_to_did WHERE encrypted_phone = $1`, encPhone,
	).Scan(&did)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("did")
	}
	if err != nil {
		return "", fmt.Errorf("identity: lookup did: %w", err)
	}
	return did, nil
}

// BatchLookupDID resolves up to 12 phones to DIDs in a single query. Missing
// phones are simply absent from the returned map.
func (s *Store) BatchLookupDID(ctx context.Context, phones []string) (map[string]string, error) {
	if len(phones) == 0 {
		return map[string]string{}, nil
	}
	if len(phones) > 12 {
		return nil, apperrors.Validation("at most 12 phone numbers may be looked up at once")
	}

	encToPhone := make(map[string]string, len(phones))
	encPhones := make([]string, 0, len(phones))
	for _, p := range phones {
		enc, err := s.phones.Encrypt(p)
		if err != nil {
			return nil, fmt.Errorf("identity: encrypt phone: %w", err)
		}
		encToPhone[enc] = p
		encPhones = append(encPhones, enc)
	}

	rows, err := s.pool.QueryContext(ctx,
		`SELECT encrypted_phone, did FROM phone_to_did WHERE encrypted_phone = ANY($1)`,
		encPhones,
	)
	if err != nil {
		return nil, fmt.Errorf("identity: batch lookup: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string, len(phones))
	for rows.Next() {
		var encPhone, did string
		if err := rows.Scan(&encPhone, &did); err != nil {
			return nil, fmt.Errorf("identity: scan batch lookup row: %w", err)
		}
		if plain, ok := encToPhone[encPhone]; ok {
			result[plain] = did
		}
	}
	return result, rows.Err()
}

// RegisterDevice registers or re-registers a device. On conflict by
// device_id, keys/name/push_token/last_seen_at are updated, otherwise a new
// active device row is inserted. The phone→DID mapping is upserted
// alongside. phone is not compared with the caller's identity, neither here
// nor in internal/httpapi; it is encrypted and mapped to d.OwnerDID as given.
func (s *Store) RegisterDevice(ctx context.Context, d Device, phone string) error {
	encPhone, err := s.phones.Encrypt(phone)
	if err != nil {
		return fmt.Errorf("identity: encrypt phone: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO devices (device_id, device_name, owner_did, x25519_pub, ed25519_pub, push_token, status, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'active', now())
		 ON CONFLICT (device_id) DO UPDATE SET
		   device_name = EXCLUDED.device_name,
		   x25519_pub  = EXCLUDED.x25519_pub,
		   ed25519_pub = EXCLUDED.ed25519_pub,
		   push_token  = EXCLUDED.push_token,
		   last_seen_at = now()`,
		d.DeviceID, d.DeviceName, d.OwnerDID, d.X25519Pub, d.Ed25519Pub, d.PushToken,
	)
	if err != nil {
		return fmt.Errorf("identity: upsert device: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO phone_to_did (encrypted_phone, did, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (encrypted_phone) DO UPDATE SET did = EXCLUDED.did, updated_at = now()`,
		encPhone, d.OwnerDID,
	)
	if err != nil {
		return fmt.Errorf("identity: upsert phone_to_did: %w", err)
	}

	return tx.Commit()
}

// Heartbeat updates last_seen_at for an active device. Returns NOT_FOUND if
// the device is absent or inactive.
func (s *Store) Heartbeat(ctx context.Context, deviceID string) error {
	res, err := s.pool.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = now() WHERE device_id = $1 AND status = 'active'`,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("identity: heartbeat: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity: rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("device")
	}
	return nil
}

// GetActiveDevice returns an active device by id. Returns FORBIDDEN if the
// device is absent or inactive — callers use this to confirm sender device
// ownership before accepting a message (§4.5 step 2), where an unknown or
// inactive device is an authorization failure, not a missing-resource one.
func (s *Store) GetActiveDevice(ctx context.Context, deviceID string) (Device, error) {
	var d Device
	err := s.pool.QueryRowContext(ctx,
		`SELECT device_id, device_name, owner_did, x25519_pub, ed25519_pub, COALESCE(push_token, ''), status, last_seen_at, created_at
		 FROM devices WHERE device_id = $1 AND status = 'active'`,
		deviceID,
	).Scan(&d.DeviceID, &d.DeviceName, &d.OwnerDID, &d.X25519Pub, &d.Ed25519Pub, &d.PushToken, &d.Status, &d.LastSeenAt, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, apperrors.Forbidden("sender device is not active")
	}
	if err != nil {
		return Device{}, fmt.Errorf("identity: get active device: %w", err)
	}
	return d, nil
}

// ListDevicesForDIDs returns active devices owned by any of the given DIDs
// (POST /api/devices/list; up to 12 DIDs).
func (s *Store) ListDevicesForDIDs(ctx context.Context, dids []string) ([]Device, error) {
	if len(dids) == 0 {
		return nil, nil
	}
	if len(dids) > 12 {
		return nil, apperrors.Validation("at most 12 DIDs may be listed at once")
	}

	rows, err := s.pool.QueryContext(ctx,
		`SELECT device_id, device_name, owner_did, x25519_pub, ed25519_pub, COALESCE(push_token, ''), status, last_seen_at, created_at
		 FROM devices WHERE owner_did = ANY($1) AND status = 'active'`,
		dids,
	)
	if err != nil {
		return nil, fmt.Errorf("identity: list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.DeviceID, &d.DeviceName, &d.OwnerDID, &d.X25519Pub, &d.Ed25519Pub, &d.PushToken, &d.Status, &d.LastSeenAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("identity: scan device row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LatestActiveEd25519Key returns the Ed25519 public key of the most
// recently registered active device for did.
func (s *Store) LatestActiveEd25519Key(ctx context.Context, did string) (string, error) {
	var pub string
	err := s.pool.QueryRowContext(ctx,
		`SELECT ed25519_pub FROM devices WHERE owner_did = $1 AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`,
		did,
	).Scan(&pub)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.Forbidden("no active device for sender")
	}
	if err != nil {
		return "", fmt.Errorf("identity: latest key lookup: %w", err)
	}
	return pub, nil
}

// PruneIdleDevices deletes active devices whose last_seen_at is older than
// idleTTL.
func (s *Store) PruneIdleDevices(ctx context.Context, idleTTL time.Duration) (int64, error) {
	res, err := s.pool.ExecContext(ctx,
		`DELETE FROM devices WHERE status = 'active' AND last_seen_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(idleTTL.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("identity: prune idle devices: %w", err)
	}
	return res.RowsAffected()
}

// DeactivateDevice marks a device inactive and clears its push token. Used
// when a push provider reports HTTP 410 (token invalid).
func (s *Store) DeactivateDevice(ctx context.Context, deviceID string) error {
	_, err := s.pool.ExecContext(ctx,
		`UPDATE devices SET status = 'inactive', push_token = NULL WHERE device_id = $1`,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("identity: deactivate device: %w", err)
	}
	return nil
}

