package types

import "time"

type DeviceCreated struct {
	Device    Device    `json:"device"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DeviceCreated) ContentType() string {
	return "application/json"
}
func (d *DeviceCreated) TopicName() string {
	return "device-registry.deviceCreated"
}

type DeviceUpdated struct {
	Device    Device    `json:"device"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DeviceUpdated) ContentType() string {
	return "application/json"
}
func (d *DeviceUpdated) TopicName() string {
	return "device-registry.deviceUpdated"
}

type DeviceDeleted struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DeviceDeleted) ContentType() string {
	return "application/json"
}
func (d *DeviceDeleted) TopicName() string {
	return "device-registry.deviceDeleted"
}
