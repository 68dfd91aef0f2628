package models

// TopicSubscription represents a user's interest in a topic.
type TopicSubscription struct {
	Topic                string     `json:"topic"`
	IsSubscribed         bool       `json:"isSubscribed"`
	Reason               string     `json:"reason"`
	NotificationCount    int64      `json:"notificationCount"`
	LastNotificationSent *Timestamp `json:"lastNotificationSent,omitempty"`
	CreatedAt            Timestamp  `json:"createdAt"`
	UpdatedAt            Timestamp  `json:"updatedAt"`
}

// SubscribeRequest is the request body for subscribing to topics.
type SubscribeRequest struct {
	Topics   []string `json:"topics" validate:"required,min=1,max=50,dive,required,max=100"`
	Reason   string   `json:"reason,omitempty" validate:"omitempty,max=100"`
	DeviceID *string  `json:"deviceId,omitempty"`
}

// SubscriptionList is the list of a user's topic subscriptions.
type SubscriptionList struct {
	Items []TopicSubscription `json:"items"`
}

// CustomTopicRequest is the request body for creating a custom topic.
type CustomTopicRequest struct {
	Slug string `json:"slug" validate:"required,max=90"`
}

// CustomTopic is a user-created topic.
type CustomTopic struct {
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt Timestamp `json:"createdAt"`
}
