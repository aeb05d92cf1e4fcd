package models

// Registration is the payload sent to the device registration backend.
type Registration struct {
	MACAddress    string `json:"deviceId"`
	ClientType    string `json:"clientType"`
	DeviceName    string `json:"deviceName"`
	DeviceVersion string `json:"deviceVersion"`
}
