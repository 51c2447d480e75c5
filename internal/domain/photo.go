package domain

import (
	"time"

	"github.com/google/uuid"
)

// PhotoStatus enumerates moderation states for uploaded photos.
type PhotoStatus string

const (
	PhotoStatusPending  PhotoStatus = "pending"
	PhotoStatusApproved PhotoStatus = "approved"
	PhotoStatusRejected PhotoStatus = "rejected"
)

// Photo is a moderated source image. The evolution engine only ever reads it.
type Photo struct {
	ID         uuid.UUID
	Filename   string
	StorageKey string
	MIME       string
	ByteSize   int64
	Status     PhotoStatus
	CreatedAt  time.Time
}
