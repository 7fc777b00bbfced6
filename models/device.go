package models

// DeviceDescriptor identifies a device to its peers.
type DeviceDescriptor struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}
