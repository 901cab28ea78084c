package httpapi

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentries/saltwire/internal/apperrors"
	"github.com/agentries/saltwire/internal/jar"
)

// jarAppendReceiptRequest is the body of POST /api/jars/:jar_id/receipts.
type jarAppendReceiptRequest struct {
	ReceiptData string `json:"receipt_data" binding:"required,b64payload"`
	Signature   string `json:"signature" binding:"required,ed25519sig"`
	ReceiptCID  string `json:"receipt_cid" binding:"omitempty,cidv1"`
	ParentCID   string `json:"parent_cid" binding:"omitempty,cidv1"`
}

func (s *Service) endpointJarAppendReceipt(ctx context.Context, c *gin.Context) (interface{}, error) {
	jarID := c.Param("jar_id")
	if !isUUIDv4Param(jarID) {
		return nil, apperrors.Validation("jar_id must be a UUIDv4")
	}

	var req jarAppendReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, validationError(err)
	}

	receiptData, err := base64.StdEncoding.DecodeString(req.ReceiptData)
	if err != nil {
		return nil, apperrors.Validation("receipt_data is not valid base64")
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return nil, apperrors.Validation("signature is not valid base64")
	}

	seq, err := s.jar.StoreReceipt(ctx, jarID, receiptData, signature, req.ReceiptCID, req.ParentCID)
	if err != nil {
		return nil, err
	}
	return gin.H{"sequence_number": seq}, nil
}

// receiptResponse is one backfilled receipt on the wire.
type receiptResponse struct {
	ReceiptCID     string `json:"receipt_cid"`
	JarID          string `json:"jar_id"`
	SequenceNumber int64  `json:"sequence_number"`
	SenderDID      string `json:"sender_did"`
	ReceiptType    string `json:"receipt_type"`
	ReceiptData    string `json:"receipt_data"`
	Signature      string `json:"signature"`
	ParentCID      string `json:"parent_cid,omitempty"`
	ReceivedAt     string `json:"received_at"`
}

// endpointJarBackfill serves GET /api/jars/:jar_id/receipts. Passing from or
// to selects the closed range [from, to], and then both must be integers;
// with neither, it's a forward cursor over after/limit.
func (s *Service) endpointJarBackfill(ctx context.Context, c *gin.Context) (interface{}, error) {
	jarID := c.Param("jar_id")
	if !isUUIDv4Param(jarID) {
		return nil, apperrors.Validation("jar_id must be a UUIDv4")
	}
	principal := currentPrincipal(c)

	fromRaw, toRaw := c.Query("from"), c.Query("to")
	if fromRaw != "" || toRaw != "" {
		from, err := strconv.ParseInt(fromRaw, 10, 64)
		if err != nil {
			return nil, apperrors.Validation("from must be an integer sequence number")
		}
		to, err := strconv.ParseInt(toRaw, 10, 64)
		if err != nil {
			return nil, apperrors.Validation("to must be an integer sequence number")
		}
		receipts, err := s.jar.GetReceiptsRange(ctx, jarID, principal.DID, from, to)
		if err != nil {
			return nil, err
		}
		return gin.H{"receipts": toReceiptResponses(receipts)}, nil
	}

	after := int64(queryInt(c, "after", 0))
	limit := queryInt(c, "limit", 0)
	receipts, err := s.jar.GetReceiptsAfter(ctx, jarID, principal.DID, after, limit)
	if err != nil {
		return nil, err
	}
	return gin.H{"receipts": toReceiptResponses(receipts)}, nil
}

func toReceiptResponses(receipts []jar.Receipt) []receiptResponse {
	out := make([]receiptResponse, 0, len(receipts))
	for _, r := range receipts {
		out = append(out, receiptResponse{
			ReceiptCID:     r.ReceiptCID,
			JarID:          r.JarID,
			SequenceNumber: r.SequenceNumber,
			SenderDID:      r.SenderDID,
			ReceiptType:    r.ReceiptType,
			ReceiptData:    base64.StdEncoding.EncodeToString(r.ReceiptData),
			Signature:      base64.StdEncoding.EncodeToString(r.Signature),
			ParentCID:      r.ParentCID,
			ReceivedAt:     r.ReceivedAt.Format(time.RFC3339),
		})
	}
	return out
}

// jarMembershipResponse is one entry of GET /api/jars/list.
type jarMembershipResponse struct {
	JarID string `json:"jar_id"`
	Role  string `json:"role"`
}

func (s *Service) endpointJarList(ctx context.Context, c *gin.Context) (interface{}, error) {
	principal := currentPrincipal(c)
	memberships, err := s.jar.ListJars(ctx, principal.DID)
	if err != nil {
		return nil, err
	}

	out := make([]jarMembershipResponse, 0, len(memberships))
	for _, m := range memberships {
		out = append(out, jarMembershipResponse{JarID: m.JarID, Role: m.Role})
	}
	return gin.H{"jars": out}, nil
}
