package models

import "github.com/searchlight/searchlight/internal/changefeed"

// SnapshotList is the response of the polling snapshot endpoint.
type SnapshotList struct {
	Snapshots []changefeed.Snapshot `json:"snapshots"`
}

// ChangeIngestRequest carries change events raised by the CRUD service.
type ChangeIngestRequest struct {
	Events []changefeed.ChangeEvent `json:"events" validate:"required,min=1,max=500,dive"`
}

// ChangeIngestResponse reports how many events were accepted.
type ChangeIngestResponse struct {
	Accepted int `json:"accepted"`
}

// PresenceMember is one entry of the admin roster.
type PresenceMember struct {
	Identity string    `json:"identity"`
	UserID   string    `json:"userId"`
	Role     string    `json:"role"`
	Sessions int       `json:"sessions"`
	JoinedAt Timestamp `json:"joinedAt"`
}

// PresenceRoster is the current admin roster.
type PresenceRoster struct {
	Members []PresenceMember `json:"members"`
	Size    int              `json:"size"`
}
