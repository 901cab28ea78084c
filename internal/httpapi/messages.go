package httpapi

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentries/saltwire/internal/apperrors"
	"github.com/agentries/saltwire/internal/messaging"
)

// messageSendRequest is the body of POST /api/messages/send.
type messageSendRequest struct {
	MessageID        string            `json:"message_id" binding:"required,uuidv4"`
	ReceiptCID       string            `json:"receipt_cid" binding:"omitempty,cidv1"`
	SenderDeviceID   string            `json:"sender_device_id" binding:"required,uuidv4"`
	RecipientDIDs    []string          `json:"recipient_dids" binding:"required,min=1,max=12,dive,did"`
	EncryptedPayload string            `json:"encrypted_payload" binding:"required,b64payload"`
	WrappedKeys      map[string]string `json:"wrapped_keys" binding:"required"`
	Signature        string            `json:"signature" binding:"required,ed25519sig"`
}

func (s *Service) endpointMessageSend(ctx context.Context, c *gin.Context) (interface{}, error) {
	var req messageSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, validationError(err)
	}

	payload, err := base64.StdEncoding.DecodeString(req.EncryptedPayload)
	if err != nil {
		return nil, apperrors.Validation("encrypted_payload is not valid base64")
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return nil, apperrors.Validation("signature is not valid base64")
	}

	principal := currentPrincipal(c)
	if err := s.messaging.Send(ctx, messaging.SendInput{
		MessageID:        req.MessageID,
		ReceiptCID:       req.ReceiptCID,
		SenderDID:        principal.DID,
		SenderDeviceID:   req.SenderDeviceID,
		RecipientDIDs:    req.RecipientDIDs,
		EncryptedPayload: payload,
		WrappedKeys:      req.WrappedKeys,
		Signature:        signature,
	}); err != nil {
		return nil, err
	}
	return gin.H{"message_id": req.MessageID}, nil
}

// messageResponse is one inbox entry on the wire.
type messageResponse struct {
	MessageID        string            `json:"message_id"`
	ReceiptCID       string            `json:"receipt_cid,omitempty"`
	SenderDID        string            `json:"sender_did"`
	WrappedKeys      map[string]string `json:"wrapped_keys"`
	EncryptedPayload string            `json:"encrypted_payload"`
	CreatedAt        string            `json:"created_at"`
	ExpiresAt        string            `json:"expires_at"`
}

func (s *Service) endpointMessageInbox(ctx context.Context, c *gin.Context) (interface{}, error) {
	principal := currentPrincipal(c)

	since := time.Unix(0, 0).UTC()
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, apperrors.Validation("since must be RFC3339")
		}
		since = parsed
	}
	limit := queryInt(c, "limit", 50)

	messages, hasMore, err := s.messaging.Inbox(ctx, principal.DID, since, limit)
	if err != nil {
		return nil, err
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			MessageID:        m.MessageID,
			ReceiptCID:       m.ReceiptCID,
			SenderDID:        m.SenderDID,
			WrappedKeys:      m.WrappedKeys,
			EncryptedPayload: m.EncryptedPayload,
			CreatedAt:        m.CreatedAt.Format(time.RFC3339),
			ExpiresAt:        m.ExpiresAt.Format(time.RFC3339),
		})
	}
	return gin.H{"messages": out, "has_more": hasMore}, nil
}

// messageMarkDeliveredRequest is the body of POST /api/messages/mark-delivered.
type messageMarkDeliveredRequest struct {
	MessageID string `json:"message_id" binding:"required,uuidv4"`
}

func (s *Service) endpointMessageMarkDelivered(ctx context.Context, c *gin.Context) (interface{}, error) {
	var req messageMarkDeliveredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, validationError(err)
	}

	principal := currentPrincipal(c)
	if err := s.messaging.MarkDelivered(ctx, req.MessageID, principal.DID); err != nil {
		return nil, err
	}
	return gin.H{"ok": true}, nil
}

func (s *Service) endpointMessageDelete(ctx context.Context, c *gin.Context) (interface{}, error) {
	messageID := c.Param("id")
	if !isUUIDv4Param(messageID) {
		return nil, apperrors.Validation("id must be a UUIDv4")
	}

	principal := currentPrincipal(c)
	if err := s.messaging.Delete(ctx, messageID, principal.DID); err != nil {
		return nil, err
	}
	return nil, nil
}
