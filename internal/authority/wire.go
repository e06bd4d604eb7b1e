package authority

// SyncRequest is the body of a full-sync request.
type SyncRequest struct {
	DeviceID            string `json:"device_id"`
	CurrentFingerprints int    `json:"current_fingerprints"`
	FirmwareVersion     string `json:"firmware_version"`
	// LastSync is unix milliseconds, 0 if the device never synced.
	LastSync int64 `json:"last_sync"`
}

// RemoteIdentity is one subject the authority wants on the device.
type RemoteIdentity struct {
	UserID             int64  `json:"user_id"`
	ExternalID         string `json:"dni"`
	DisplayName        string `json:"nombre"`
	Role               string `json:"rol"`
	Template           []byte `json:"template"`
	Quality            int    `json:"quality"`
	SlotRecommendation int    `json:"slot_recommendation,omitempty"`
}

// SyncResponse is the authority's answer to a SyncRequest.
type SyncResponse struct {
	Success      bool             `json:"success"`
	Fingerprints []RemoteIdentity `json:"fingerprints"`
	// SyncTimestamp is unix milliseconds.
	SyncTimestamp int64  `json:"sync_timestamp"`
	Error         string `json:"error,omitempty"`
}

// EventAck is the authority's answer to an event delivery.
type EventAck struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}
