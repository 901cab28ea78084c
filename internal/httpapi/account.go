package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"
)

// accountSaltRequest is the body of POST /api/account/salt.
type accountSaltRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required,e164"`
}

// accountSaltResponse is the response of POST /api/account/salt.
type accountSaltResponse struct {
	Salt    string `json:"salt"`
	Created bool   `json:"created"`
}

func (s *Service) endpointAccountSalt(ctx context.Context, c *gin.Context) (interface{}, error) {
	var req accountSaltRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, validationError(err)
	}

	salt, wasCreated, err := s.identity.GetOrCreateAccountSalt(ctx, req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	res := accountSaltResponse{Salt: salt, Created: wasCreated}
	if wasCreated {
		return Created(res), nil
	}
	return res, nil
}
