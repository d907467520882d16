package protocol

// Event names pushed to websocket subscribers and the Redis channel.
const (
	EventInstanceStatus  = "instance.status"
	EventInstanceQR      = "instance.qr"
	EventInstanceDeleted = "instance.deleted"
	EventShutdown        = "shutdown"
)

// InstanceStatusPayload is the payload of EventInstanceStatus.
type InstanceStatusPayload struct {
	InstanceID string `json:"instanceId"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  int64  `json:"timestamp"` // unix millis
}

// InstanceQRPayload is the payload of EventInstanceQR.
type InstanceQRPayload struct {
	InstanceID string `json:"instanceId"`
	ExpiresIn  int64  `json:"expiresIn"` // seconds
	Timestamp  int64  `json:"timestamp"` // unix millis
}

// InstanceDeletedPayload is the payload of EventInstanceDeleted.
type InstanceDeletedPayload struct {
	InstanceID string `json:"instanceId"`
	Timestamp  int64  `json:"timestamp"` // unix millis
}
