package models

import "time"

type DuplicateSessionEvent struct {
	ID         string            `json:"id"`
	Username   string            `json:"username"`
	Original   SessionAttributes `json:"original"`
	Attempted  SessionAttributes `json:"attempted"`
	DetectedAt time.Time         `json:"detected_at"`
}
