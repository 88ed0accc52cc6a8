package handler

import (
	"context"
	"database/sql"
	"time"

	"clinic-backend/internal/allocator"
	"clinic-backend/internal/broadcast"
	"clinic-backend/internal/models"
)

// Handler carries every dependency the queue endpoints need. Constructed
// once in main and passed to the router - no package-level state.
type Handler struct {
	DB      *sql.DB
	Alloc   *allocator.Allocator
	Hub     *broadcast.Hub
	Display *DisplayHub
	Loc     *time.Location

	// Clinic opening hours, "HH:MM" clinic-local. Empty = always open.
	OpenAt  string
	CloseAt string
}

func New(db *sql.DB, alloc *allocator.Allocator, hub *broadcast.Hub, loc *time.Location, openAt, closeAt string) *Handler {
	h := &Handler{
		DB:      db,
		Alloc:   alloc,
		Hub:     hub,
		Loc:     loc,
		OpenAt:  openAt,
		CloseAt: closeAt,
	}
	h.Display = NewDisplayHub(h.displaySnapshot)
	return h
}

func (h *Handler) patientName(ctx context.Context, id int64) (string, error) {
	var name string
	err := h.DB.QueryRowContext(ctx, "SELECT name FROM patients WHERE id = ?", id).Scan(&name)
	return name, err
}

func (h *Handler) doctorName(ctx context.Context, id int64) (string, error) {
	var name string
	err := h.DB.QueryRowContext(ctx, "SELECT name FROM doctors WHERE id = ?", id).Scan(&name)
	return name, err
}

// publishUpdate pushes one queue change into the broadcast hub and pokes
// the display board.
func (h *Handler) publishUpdate(entry *models.QueueEntry, patientName, doctorName string) {
	h.Hub.Publish(broadcast.QueueUpdate{
		ID:                 entry.ID,
		QueueNumber:        entry.QueueNumber,
		RegistrationNumber: entry.RegistrationNumber,
		Status:             entry.Status,
		Patient:            broadcast.PatientRef{ID: entry.PatientID, Name: patientName},
		Doctor:             broadcast.DoctorRef{ID: entry.DoctorID, Name: doctorName},
		QueueDateTime:      entry.QueueDateTime,
	})
	h.Display.NotifyChanged()
}
