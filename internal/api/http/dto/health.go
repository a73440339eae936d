package dto

import "time"

type HealthResponse struct {
	Status   string    `json:"status"`
	ServerID string    `json:"server_id,omitempty"`
	Time     time.Time `json:"time"`

	Handlers         int `json:"handlers"`
	EventSubscribers int `json:"event_subscribers"`
	DedupeEntries    int `json:"dedupe_entries"`
}
