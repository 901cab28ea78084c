package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"
)

// lookupDIDRequest is the body of POST /api/lookup/did.
type lookupDIDRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required,e164"`
}

func (s *Service) endpointLookupDID(ctx context.Context, c *gin.Context) (interface{}, error) {
	var req lookupDIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, validationError(err)
	}

	did, err := s.identity.LookupDID(ctx, req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	return gin.H{"did": did}, nil
}

// lookupBatchRequest is the body of POST /api/lookup/batch.
type lookupBatchRequest struct {
	PhoneNumbers []string `json:"phone_numbers" binding:"required,min=1,max=12,dive,e164"`
}

func (s *Service) endpointLookupBatch(ctx context.Context, c *gin.Context) (interface{}, error) {
	var req lookupBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, validationError(err)
	}

	results, err := s.identity.BatchLookupDID(ctx, req.PhoneNumbers)
	if err != nil {
		return nil, err
	}
	return gin.H{"results": results}, nil
}
