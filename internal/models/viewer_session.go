package models

import (
	"time"

	"github.com/google/uuid"
)

// ViewerSession tracks one viewer's playback of a content ref.
// CurrentOffsetSeconds never decreases while the session is active.
type ViewerSession struct {
	ID                   uuid.UUID      `json:"id"`
	SubjectID            string         `json:"subjectId"`
	ContentRef           string         `json:"contentRef"`
	CurrentOffsetSeconds float64        `json:"currentOffsetSeconds"`
	IsActive             bool           `json:"isActive"`
	StartedAt            time.Time      `json:"startedAt"`
	LastSyncAt           time.Time      `json:"lastSyncAt"`
	EndedAt              *time.Time     `json:"endedAt,omitempty"`
	DeviceInfo           map[string]any `json:"deviceInfo,omitempty"`
}
