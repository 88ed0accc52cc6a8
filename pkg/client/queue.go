package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// QueueItem mirrors one line of the queue list. Family groups arrive as a
// single item with TotalPatients > 1.
type QueueItem struct {
	ID                 int64     `json:"id"`
	QueueNumber        string    `json:"queueNumber"`
	RegistrationNumber int64     `json:"registrationNumber"`
	Status             string    `json:"status"`
	QueueDateTime      time.Time `json:"queueDateTime"`
	Patient            Ref       `json:"patient"`
	Doctor             Ref       `json:"doctor"`
	GroupID            *string   `json:"groupId,omitempty"`
	TotalPatients      int       `json:"totalPatients"`
}

type Ref struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type CreatedQueue struct {
	ID                 int64  `json:"id"`
	QueueNumber        string `json:"queueNumber"`
	RegistrationNumber int64  `json:"registrationNumber"`
}

type GroupPatient struct {
	ID           int64  `json:"id"`
	Relationship string `json:"relationship"`
}

type CreatedGroup struct {
	GroupID            string `json:"groupId"`
	QueueNumber        string `json:"queueNumber"`
	RegistrationNumber int64  `json:"registrationNumber"`
	TotalPatients      int    `json:"totalPatients"`
}

// ListQueue fetches the queue for a date ("" means today). Governed, so
// a burst of refreshes collapses into one request.
func (c *Client) ListQueue(ctx context.Context, date string) ([]QueueItem, error) {
	path := "/api/queue"
	if date != "" {
		path += "?date=" + date
	}

	raw, err := c.Governor.Call(ctx, "queue:list:"+date, func(ctx context.Context) (any, error) {
		return c.do(ctx, http.MethodGet, path, "queue", nil)
	}, CallOptions{})
	if err != nil {
		return nil, err
	}

	var items []QueueItem
	if err := json.Unmarshal(raw.([]byte), &items); err != nil {
		return nil, fmt.Errorf("decode queue list: %w", err)
	}
	return items, nil
}

// CreateQueue registers one patient. High priority and never deduplicated:
// two registrations are two patients, not one repeated call.
func (c *Client) CreateQueue(ctx context.Context, patientID, doctorID int64) (*CreatedQueue, error) {
	body := map[string]int64{"patientId": patientID, "doctorId": doctorID}

	raw, err := c.Governor.Call(ctx, fmt.Sprintf("queue:create:%d:%d", patientID, doctorID),
		func(ctx context.Context) (any, error) {
			return c.do(ctx, http.MethodPost, "/api/queue", "queue", body)
		}, CallOptions{Priority: PriorityHigh, SkipDeduplication: true, SkipThrottle: true})
	if err != nil {
		return nil, err
	}

	var created CreatedQueue
	if err := json.Unmarshal(raw.([]byte), &created); err != nil {
		return nil, fmt.Errorf("decode created queue: %w", err)
	}
	return &created, nil
}

// CreateGroupQueue registers a family group under one shared number.
func (c *Client) CreateGroupQueue(ctx context.Context, doctorID int64, patients []GroupPatient) (*CreatedGroup, error) {
	body := map[string]any{"doctorId": doctorID, "patients": patients}

	raw, err := c.Governor.Call(ctx, fmt.Sprintf("queue:create-group:%d", doctorID),
		func(ctx context.Context) (any, error) {
			return c.do(ctx, http.MethodPost, "/api/queue/group", "queue", body)
		}, CallOptions{Priority: PriorityHigh, SkipDeduplication: true, SkipThrottle: true})
	if err != nil {
		return nil, err
	}

	var created CreatedGroup
	if err := json.Unmarshal(raw.([]byte), &created); err != nil {
		return nil, fmt.Errorf("decode created group: %w", err)
	}
	return &created, nil
}

// GroupDetail is the full view of one registered group.
type GroupDetail struct {
	GroupID            string              `json:"groupId"`
	QueueNumber        string              `json:"queueNumber"`
	RegistrationNumber int64               `json:"registrationNumber"`
	Status             string              `json:"status"`
	Doctor             Ref                 `json:"doctor"`
	QueueDateTime      time.Time           `json:"queueDateTime"`
	TotalPatients      int                 `json:"totalPatients"`
	Patients           []GroupMemberStatus `json:"patients"`
}

type GroupMemberStatus struct {
	EntryID   int64  `json:"entryId"`
	PatientID int64  `json:"patientId"`
	Name      string `json:"name"`
	Status    string `json:"status"`
}

// GetGroup fetches one group by id.
func (c *Client) GetGroup(ctx context.Context, groupID string) (*GroupDetail, error) {
	raw, err := c.Governor.Call(ctx, "queue:group:"+groupID, func(ctx context.Context) (any, error) {
		return c.do(ctx, http.MethodGet, "/api/queue/group/"+groupID, "queue", nil)
	}, CallOptions{})
	if err != nil {
		return nil, err
	}

	var detail GroupDetail
	if err := json.Unmarshal(raw.([]byte), &detail); err != nil {
		return nil, fmt.Errorf("decode group: %w", err)
	}
	return &detail, nil
}

// UpdateStatus moves a queue entry (and its whole group) to a new status.
func (c *Client) UpdateStatus(ctx context.Context, entryID int64, status string) error {
	body := map[string]string{"status": status}

	_, err := c.Governor.Call(ctx, fmt.Sprintf("queue:status:%d", entryID),
		func(ctx context.Context) (any, error) {
			return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/queue/%d/status", entryID), "queue", body)
		}, CallOptions{Priority: PriorityHigh, SkipThrottle: true})
	return err
}
