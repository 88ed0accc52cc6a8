package handler

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"clinic-backend/internal/helper"
	"clinic-backend/internal/models"

	"github.com/gofiber/fiber/v2"
)

// CreateConsultationRequest - request body for POST /api/consultations
type CreateConsultationRequest struct {
	PatientID int64 `json:"patientId"`
	DoctorID  int64 `json:"doctorId"`
}

// CreateConsultation - POST /api/consultations
//
// Starting a consultation closes the patient's queue position: today's
// waiting or in_consultation entry for the same patient and doctor moves
// to completed and is stamped with the consultation id. A matching group
// entry completes the whole group.
func (h *Handler) CreateConsultation(c *fiber.Ctx) error {
	var req CreateConsultationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	if req.PatientID == 0 || req.DoctorID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "patientId and doctorId are required",
		})
	}

	ctx := c.Context()

	patientName, err := h.patientName(ctx, req.PatientID)
	if errors.Is(err, sql.ErrNoRows) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Patient not found",
		})
	}
	if err != nil {
		log.Printf("[consultation] validate patient: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to validate patient",
		})
	}

	doctorName, err := h.doctorName(ctx, req.DoctorID)
	if errors.Is(err, sql.ErrNoRows) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Doctor not found",
		})
	}
	if err != nil {
		log.Printf("[consultation] validate doctor: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to validate doctor",
		})
	}

	result, err := h.DB.ExecContext(ctx, `
		INSERT INTO consultations (patient_id, doctor_id, created_at)
		VALUES (?, ?, NOW())
	`, req.PatientID, req.DoctorID)
	if err != nil {
		log.Printf("[consultation] insert: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to create consultation",
		})
	}
	consultationID, _ := result.LastInsertId()

	completed, err := h.completeQueueEntry(ctx, req.PatientID, req.DoctorID, consultationID, patientName, doctorName)
	if err != nil {
		// The consultation exists; queue completion is reported but the
		// request does not fail retroactively.
		log.Printf("[consultation] complete queue entry: %v", err)
	}

	resp := fiber.Map{
		"success": true,
		"message": "Consultation created",
		"data": fiber.Map{
			"id": consultationID,
		},
	}
	if completed != nil {
		resp["data"].(fiber.Map)["queueEntry"] = fiber.Map{
			"id":          completed.ID,
			"queueNumber": completed.QueueNumber,
			"status":      completed.Status,
		}
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// completeQueueEntry finds today's active entry for patient+doctor, marks
// it (and any group siblings) completed, stamps the consultation reference
// and broadcasts. Returns nil when no active entry exists.
func (h *Handler) completeQueueEntry(ctx context.Context, patientID, doctorID, consultationID int64, patientName, doctorName string) (*models.QueueEntry, error) {
	start, end := helper.DayBounds(time.Now(), h.Loc)

	var entry models.QueueEntry
	err := h.DB.QueryRowContext(ctx, `
		SELECT id, patient_id, doctor_id, queue_datetime,
		       registration_number, queue_number, status, group_id
		FROM queue_entries
		WHERE patient_id = ? AND doctor_id = ?
		  AND status IN (?, ?)
		  AND queue_datetime >= ? AND queue_datetime < ?
		ORDER BY id DESC
		LIMIT 1
	`, patientID, doctorID, models.StatusWaiting, models.StatusInConsultation, start, end).Scan(
		&entry.ID, &entry.PatientID, &entry.DoctorID, &entry.QueueDateTime,
		&entry.RegistrationNumber, &entry.QueueNumber, &entry.Status, &entry.GroupID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if entry.GroupID != nil {
		_, err = h.DB.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, updated_at = NOW()
			WHERE group_id = ?
		`, models.StatusCompleted, *entry.GroupID)
		if err == nil {
			_, err = h.DB.ExecContext(ctx, `
				UPDATE queue_entries SET consultation_id = ? WHERE id = ?
			`, consultationID, entry.ID)
		}
	} else {
		_, err = h.DB.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = ?, consultation_id = ?, updated_at = NOW()
			WHERE id = ?
		`, models.StatusCompleted, consultationID, entry.ID)
	}
	if err != nil {
		return nil, err
	}

	entry.Status = models.StatusCompleted
	entry.ConsultationID = &consultationID
	h.publishUpdate(&entry, patientName, doctorName)

	return &entry, nil
}
