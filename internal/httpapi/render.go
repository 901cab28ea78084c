package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentries/saltwire/internal/apperrors"
)

// created wraps a handler result that should render as 201 instead of the
// usual 200, e.g. a resource's first creation.
type created struct {
	body interface{}
}

// Created marks body for a 201 response once rendered.
func Created(body interface{}) interface{} {
	return created{body: body}
}

// render writes res as a 200 (or 201, via Created) JSON body, or maps err
// through the relay's error taxonomy to its stable {code, message, fields}
// body and status.
func render(c *gin.Context, res interface{}, err error) {
	if err != nil {
		relayErr, ok := apperrors.As(err)
		if !ok {
			relayErr = apperrors.Internal(err)
		}
		c.JSON(relayErr.Status(), gin.H{"error": relayErr})
		return
	}
	if res == nil {
		c.Status(http.StatusNoContent)
		return
	}
	if c2, ok := res.(created); ok {
		c.JSON(http.StatusCreated, gin.H{"data": c2.body})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}
