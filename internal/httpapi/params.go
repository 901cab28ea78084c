package httpapi

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentries/saltwire/internal/validate"
)

// queryInt reads an integer query parameter, falling back to def on absence
// or malformed input rather than erroring the request over a cosmetic param.
func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func isUUIDv4Param(s string) bool {
	return validate.IsUUIDv4(s)
}
