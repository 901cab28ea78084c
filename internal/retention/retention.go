// Package retention implements the relay's background cleanup sweeps. It
// expires messages and their blobs, reaps orphan delivery rows, and prunes
// idle devices, on a ticker independent of any HTTP request's lifetime.
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentries/saltwire/internal/blobstore"
)

// Sweeper runs the daily message-expiry sweep and the device idle sweep.
type Sweeper struct {
	pool  *sql.DB
	blobs *blobstore.Store
	log   *zap.Logger

	cleanupInterval time.Duration
	deviceIdleTTL   time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Sweeper. cleanupInterval governs how often both sweeps run;
// deviceIdleTTL is the idle threshold passed to the device prune query.
func New(pool *sql.DB, blobs *blobstore.Store, log *zap.Logger, cleanupInterval, deviceIdleTTL time.Duration) *Sweeper {
	return &Sweeper{pool: pool, blobs: blobs, log: log, cleanupInterval: cleanupInterval, deviceIdleTTL: deviceIdleTTL}
}

// Start launches the sweep loop in a background goroutine. Stop cancels it.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full sweep: expired messages, then orphan delivery
// rows, then idle devices. It is idempotent — rerunning on a clean database
// does nothing.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if err := s.sweepExpiredMessages(ctx); err != nil {
		s.log.Error("retention: message sweep failed", zap.Error(err))
	}
	if n, err := s.sweepOrphanDeliveries(ctx); err != nil {
		s.log.Error("retention: orphan delivery sweep failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("retention: removed orphan delivery rows", zap.Int64("count", n))
	}
	if n, err := s.sweepIdleDevices(ctx); err != nil {
		s.log.Error("retention: idle device sweep failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("retention: deleted idle devices", zap.Int64("count", n))
	}
}

// sweepExpiredMessages deletes blobs for expired messages (best-effort, a
// failure here does not stop the row deletion), then the message rows
// themselves. Delivery rows cascade via the foreign key.
func (s *Sweeper) sweepExpiredMessages(ctx context.Context) error {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT message_id, blob_key FROM encrypted_messages WHERE expires_at < now()`,
	)
	if err != nil {
		return fmt.Errorf("retention: select expired messages: %w", err)
	}

	type expired struct {
		messageID string
		blobKey   sql.NullString
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.messageID, &e.blobKey); err != nil {
			rows.Close()
			return fmt.Errorf("retention: scan expired message: %w", err)
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, e := range batch {
		if e.blobKey.Valid && e.blobKey.String != "" {
			if err := s.blobs.Delete(ctx, e.blobKey.String); err != nil {
				s.log.Warn("retention: blob delete failed, message row will still be removed", zap.String("message_id", e.messageID), zap.Error(err))
			}
		}
		if _, err := s.pool.ExecContext(ctx, `DELETE FROM encrypted_messages WHERE message_id = $1`, e.messageID); err != nil {
			return fmt.Errorf("retention: delete message row %s: %w", e.messageID, err)
		}
	}
	return nil
}

// sweepOrphanDeliveries removes delivery rows whose message no longer
// exists. Normally the foreign key's ON DELETE CASCADE makes this a no-op;
// it exists as a defense against delivery rows left over from schema
// versions that predate the cascade.
func (s *Sweeper) sweepOrphanDeliveries(ctx context.Context) (int64, error) {
	res, err := s.pool.ExecContext(ctx,
		`DELETE FROM message_delivery d
		 WHERE NOT EXISTS (SELECT 1 FROM encrypted_messages m WHERE m.message_id = d.message_id)`,
	)
	if err != nil {
		return 0, fmt.Errorf("retention: delete orphan deliveries: %w", err)
	}
	return res.RowsAffected()
}

func (s *Sweeper) sweepIdleDevices(ctx context.Context) (int64, error) {
	res, err := s.pool.ExecContext(ctx,
		`DELETE FROM devices WHERE status = 'active' AND last_seen_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(s.deviceIdleTTL.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("retention: prune idle devices: %w", err)
	}
	return res.RowsAffected()
}
