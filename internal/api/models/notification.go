package models

// Notification is the API view of a notification row.
type Notification struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Body        string                 `json:"body"`
	Type        string                 `json:"type"`
	Topic       *string                `json:"topic,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Priority    string                 `json:"priority"`
	Status      string                 `json:"status"`
	RetryCount  int                    `json:"retryCount"`
	LastError   *string                `json:"lastError,omitempty"`
	CaseID      *string                `json:"caseId,omitempty"`
	ExpiresAt   Timestamp              `json:"expiresAt"`
	SentAt      *Timestamp             `json:"sentAt,omitempty"`
	DeliveredAt *Timestamp             `json:"deliveredAt,omitempty"`
	OpenedAt    *Timestamp             `json:"openedAt,omitempty"`
	CreatedAt   Timestamp              `json:"createdAt"`
}

// NotificationList is a page of notifications.
type NotificationList struct {
	Items []Notification    `json:"items"`
	Meta  PagedResponseMeta `json:"meta"`
}

// NotificationContent is shared by direct sends and broadcasts.
type NotificationContent struct {
	Title         string                 `json:"title" validate:"required,max=200"`
	Body          string                 `json:"body" validate:"required,max=2000"`
	Type          string                 `json:"type" validate:"required,oneof=case_updated new_case admin_notice urgent system_maintenance"`
	Priority      string                 `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	TTLSeconds    int                    `json:"ttlSeconds,omitempty" validate:"omitempty,min=1,max=2592000"`
	CaseID        *string                `json:"caseId,omitempty"`
	RelatedUserID *string                `json:"relatedUserId,omitempty"`
}

// BroadcastRequest is the request body for a topic broadcast.
type BroadcastRequest struct {
	Topic string `json:"topic" validate:"required,max=100"`
	NotificationContent
}

// BroadcastResponse summarizes a fan-out.
type BroadcastResponse struct {
	Topic           string   `json:"topic"`
	Recipients      int      `json:"recipients"`
	Created         int      `json:"created"`
	Failed          int      `json:"failed"`
	NotificationIDs []string `json:"notificationIds"`
}

// DirectNotificationRequest is the request body for a single-recipient send.
type DirectNotificationRequest struct {
	RecipientUserID string `json:"recipientUserId" validate:"required"`
	NotificationContent
}

// PushFeedbackRequest reports a provider-side hard failure after acceptance.
type PushFeedbackRequest struct {
	NotificationID string `json:"notificationId" validate:"required"`
	Token          string `json:"token" validate:"required,max=500"`
	Reason         string `json:"reason,omitempty" validate:"omitempty,max=500"`
}
