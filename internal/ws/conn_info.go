package ws

import (
	"time"

	"messaging-service/internal/models"
)

type ConnInfo struct {
	ConnID      string
	UserID      string
	Role        models.Role
	DisplayName string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
