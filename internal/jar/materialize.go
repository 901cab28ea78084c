package jar

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentries/saltwire/internal/encoding"
)

// materialize applies one decoded receipt to the jar_members view. Failure
// here never rolls back the receipt insert (see StoreReceipt) — the log is
// the source of truth and the view can always be rebuilt by replaying it.
func (s *Store) materialize(ctx context.Context, jarID, receiptCID string, raw *encoding.RawReceipt, timestamp int64) error {
	addedAt := time.UnixMilli(timestamp).UTC()

	switch raw.ReceiptType {
	case "jar.created":
		return s.upsertMember(ctx, jarID, raw.SenderDID, "active", "owner", addedAt, receiptCID)

	case "jar.member_added":
		memberDID, ok := payloadMemberDID(raw.Payload)
		if !ok {
			return fmt.Errorf("jar.member_added payload missing member_did")
		}
		// The invite-acceptance state is not currently used by any client;
		// members are auto-active on this receipt type.
		return s.upsertMember(ctx, jarID, memberDID, "active", "member", addedAt, receiptCID)

	case "jar.invite_accepted":
		memberDID, ok := payloadMemberDID(raw.Payload)
		if !ok {
			memberDID = raw.SenderDID
		}
		_, err := s.pool.ExecContext(ctx,
			`UPDATE jar_members SET status = 'active' WHERE jar_id = $1 AND member_did = $2`,
			jarID, memberDID,
		)
		if err != nil {
			return fmt.Errorf("jar.invite_accepted: %w", err)
		}
		return nil

	case "jar.member_removed":
		memberDID, ok := payloadMemberDID(raw.Payload)
		if !ok {
			return fmt.Errorf("jar.member_removed payload missing member_did")
		}
		_, err := s.pool.ExecContext(ctx,
			`UPDATE jar_members SET status = 'removed', removed_at = $3, removed_by_receipt_cid = $4
			 WHERE jar_id = $1 AND member_did = $2`,
			jarID, memberDID, addedAt, receiptCID,
		)
		if err != nil {
			return fmt.Errorf("jar.member_removed: %w", err)
		}
		return nil

	default:
		s.log.Info("jar: ignoring unknown receipt_type during materialization", zap.String("receipt_type", raw.ReceiptType))
		return nil
	}
}

func (s *Store) upsertMember(ctx context.Context, jarID, memberDID, status, role string, addedAt time.Time, receiptCID string) error {
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO jar_members (jar_id, member_did, status, role, added_at, added_by_receipt_cid)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (jar_id, member_did) DO UPDATE SET
		   status = EXCLUDED.status,
		   role = EXCLUDED.role,
		   added_at = EXCLUDED.added_at,
		   added_by_receipt_cid = EXCLUDED.added_by_receipt_cid`,
		jarID, memberDID, status, role, addedAt, receiptCID,
	)
	return err
}

// payloadMemberDID accepts either member_did or memberDID, matching clients
// that emit either snake_case or camelCase payload keys.
func payloadMemberDID(payload map[string]any) (string, bool) {
	if v, ok := payload["member_did"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	if v, ok := payload["memberDID"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
