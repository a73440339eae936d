package dto

type SettingsResponse struct {
	HeartbeatTimeout string `json:"heartbeat_timeout"`
	OfflineTimeout   string `json:"offline_timeout"`
	SweepInterval    string `json:"sweep_interval"`
}

type UpdateSettingsRequest struct {
	HeartbeatTimeout string `json:"heartbeat_timeout" binding:"required"`
	OfflineTimeout   string `json:"offline_timeout" binding:"required"`
}
