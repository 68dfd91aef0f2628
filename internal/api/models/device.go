package models

// PushPlatform represents a push notification platform.
type PushPlatform string

const (
	PushPlatformFCM  PushPlatform = "FCM"
	PushPlatformAPNS PushPlatform = "APNS"
	PushPlatformWeb  PushPlatform = "WEB"
)

// DeviceMetadata describes the hardware and OS of a device.
type DeviceMetadata struct {
	Model     *string `json:"model,omitempty" validate:"omitempty,max=100"`
	OSVersion *string `json:"osVersion,omitempty" validate:"omitempty,max=50"`
	Build     *string `json:"build,omitempty" validate:"omitempty,max=50"`
}

// Device represents a registered push endpoint.
type Device struct {
	ID         string         `json:"id"`
	EndpointID string         `json:"endpointId"`
	Platform   PushPlatform   `json:"platform"`
	TokenLast4 *string        `json:"tokenLast4,omitempty"`
	AppVersion *string        `json:"appVersion,omitempty"`
	Metadata   DeviceMetadata `json:"deviceMetadata"`
	Topics     []string       `json:"topics"`
	IsActive   bool           `json:"isActive"`
	LastSeenAt Timestamp      `json:"lastSeenAt"`
	CreatedAt  Timestamp      `json:"createdAt"`
	UpdatedAt  Timestamp      `json:"updatedAt"`
}

// DeviceRegisterRequest is the request body for registering a device.
type DeviceRegisterRequest struct {
	EndpointID     string         `json:"endpointId" validate:"required,max=200"`
	Platform       PushPlatform   `json:"platform" validate:"required,oneof=FCM APNS WEB"`
	Token          string         `json:"token" validate:"required,max=500"`
	AppVersion     *string        `json:"appVersion,omitempty" validate:"omitempty,max=50"`
	DeviceMetadata DeviceMetadata `json:"deviceMetadata"`
}

// DeviceList is the list of a user's devices.
type DeviceList struct {
	Items []Device `json:"items"`
}
