package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Queue entry lifecycle:
//
//	waiting ──► in_consultation ──► completed
//	   │                │
//	   └── completed ◄──┘  (consultation created straight from waiting)
//	   │                │
//	   └────► cancelled ◄┘  (explicit update, non-terminal states only)
const (
	StatusWaiting        = "waiting"
	StatusInConsultation = "in_consultation"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
)

// ErrIllegalTransition is returned when a status update is not in the
// transition table. Handlers map it to 400.
var ErrIllegalTransition = errors.New("illegal queue status transition")

// ValidStatus reports whether s is one of the four queue statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusWaiting, StatusInConsultation, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal status change.
// completed and cancelled are terminal.
func CanTransition(from, to string) bool {
	switch from {
	case StatusWaiting:
		return to == StatusInConsultation || to == StatusCompleted || to == StatusCancelled
	case StatusInConsultation:
		return to == StatusCompleted || to == StatusCancelled
	}
	return false
}

// CheckTransition wraps CanTransition with a typed error carrying both states.
func CheckTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// FormatQueueNumber is the display form of a registration number.
// Always 4 digits, zero padded: 42 -> "0042", 1401 -> "1401".
func FormatQueueNumber(registrationNumber int64) string {
	return fmt.Sprintf("%04d", registrationNumber)
}

type QueueEntry struct {
	ID                 int64      `json:"id"`
	PatientID          int64      `json:"patient_id"`
	DoctorID           int64      `json:"doctor_id"`
	ConsultationID     *int64     `json:"consultation_id"`
	QueueDateTime      time.Time  `json:"queue_datetime"`
	RegistrationNumber int64      `json:"registration_number"`
	QueueNumber        string     `json:"queue_number"`
	Status             string     `json:"status"`
	GroupID            *string    `json:"group_id"`
	Metadata           *QueueMeta `json:"metadata,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// QueueMeta is the structured blob stored in the metadata JSON column.
// Only group registrations carry one.
type QueueMeta struct {
	GroupMembers []GroupMember `json:"group_members,omitempty"`
}

type GroupMember struct {
	PatientID    int64  `json:"patient_id"`
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
}

// EncodeMeta marshals metadata for the JSON column. Nil meta stays NULL.
func EncodeMeta(m *QueueMeta) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// DecodeMeta parses the metadata JSON column; NULL yields nil.
func DecodeMeta(raw *string) (*QueueMeta, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var m QueueMeta
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
