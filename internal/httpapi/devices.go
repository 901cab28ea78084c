package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentries/saltwire/internal/identity"
)

// deviceRegisterRequest is the body of POST /api/devices/register.
type deviceRegisterRequest struct {
	DeviceID    string `json:"device_id" binding:"required,uuidv4"`
	DeviceName  string `json:"device_name" binding:"required,max=128"`
	PhoneNumber string `json:"phone_number" binding:"required,e164"`
	OwnerDID    string `json:"owner_did" binding:"required,did"`
	X25519Pub   string `json:"x25519_pub" binding:"required,b64payload"`
	Ed25519Pub  string `json:"ed25519_pub" binding:"required,b64payload"`
	PushToken   string `json:"push_token" binding:"omitempty"`
}

type deviceResponse struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	OwnerDID   string `json:"owner_did"`
	Status     string `json:"status"`
	LastSeenAt string `json:"last_seen_at"`
}

func (s *Service) endpointDeviceRegister(ctx context.Context, c *gin.Context) (interface{}, error) {
	var req deviceRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, validationError(err)
	}

	d := identity.Device{
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		OwnerDID:   req.OwnerDID,
		X25519Pub:  req.X25519Pub,
		Ed25519Pub: req.Ed25519Pub,
		PushToken:  req.PushToken,
	}
	if err := s.identity.RegisterDevice(ctx, d, req.PhoneNumber); err != nil {
		return nil, err
	}
	return gin.H{"device_id": req.DeviceID, "status": "active"}, nil
}

// deviceListRequest is the body of POST /api/devices/list.
type deviceListRequest struct {
	DIDs []string `json:"dids" binding:"required,min=1,max=12,dive,did"`
}

func (s *Service) endpointDeviceList(ctx context.Context, c *gin.Context) (interface{}, error) {
	var req deviceListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, validationError(err)
	}

	devices, err := s.identity.ListDevicesForDIDs(ctx, req.DIDs)
	if err != nil {
		return nil, err
	}

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{
			DeviceID:   d.DeviceID,
			DeviceName: d.DeviceName,
			OwnerDID:   d.OwnerDID,
			Status:     d.Status,
			LastSeenAt: d.LastSeenAt.Format(time.RFC3339),
		})
	}
	return gin.H{"devices": out}, nil
}

// deviceHeartbeatRequest is the body of POST /api/devices/heartbeat.
type deviceHeartbeatRequest struct {
	DeviceID string `json:"device_id" binding:"required,uuidv4"`
}

func (s *Service) endpointDeviceHeartbeat(ctx context.Context, c *gin.Context) (interface{}, error) {
	var req deviceHeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, validationError(err)
	}

	if err := s.identity.Heartbeat(ctx, req.DeviceID); err != nil {
		return nil, err
	}
	return gin.H{"ok": true}, nil
}
