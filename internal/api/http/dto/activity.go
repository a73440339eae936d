package dto

import "github.com/EternisAI/silo-fleet/internal/events"

type ListActivityResponse struct {
	Events []events.Activity `json:"events"`
	Count  int               `json:"count"`
}
