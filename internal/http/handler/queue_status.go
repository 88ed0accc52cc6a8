package handler

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"clinic-backend/internal/models"

	"github.com/gofiber/fiber/v2"
)

// UpdateQueueStatusRequest - request body for PUT /api/queue/:id/status
type UpdateQueueStatusRequest struct {
	Status string `json:"status"`
}

// UpdateQueueStatus - PUT /api/queue/:id/status
//
// Transitions are validated against the table in models; anything outside
// it is rejected, there is no free-form status write.
func (h *Handler) UpdateQueueStatus(c *fiber.Ctx) error {
	entryID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid queue entry id",
		})
	}

	var req UpdateQueueStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	if !models.ValidStatus(req.Status) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error": fmt.Sprintf("Status must be one of %s, %s, %s, %s",
				models.StatusWaiting, models.StatusInConsultation,
				models.StatusCompleted, models.StatusCancelled),
		})
	}

	ctx := c.Context()

	var (
		entry       models.QueueEntry
		patientName string
		doctorName  string
	)
	err = h.DB.QueryRowContext(ctx, `
		SELECT qe.id, qe.patient_id, p.name, qe.doctor_id, d.name,
		       qe.queue_datetime, qe.registration_number, qe.queue_number,
		       qe.status, qe.group_id
		FROM queue_entries qe
		JOIN patients p ON qe.patient_id = p.id
		JOIN doctors d ON qe.doctor_id = d.id
		WHERE qe.id = ?
	`, entryID).Scan(
		&entry.ID, &entry.PatientID, &patientName, &entry.DoctorID, &doctorName,
		&entry.QueueDateTime, &entry.RegistrationNumber, &entry.QueueNumber,
		&entry.Status, &entry.GroupID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Queue entry not found",
		})
	}
	if err != nil {
		log.Printf("[queue] load entry %d: %v", entryID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to load queue entry",
		})
	}

	if err := models.CheckTransition(entry.Status, req.Status); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   fmt.Sprintf("Cannot move entry from %s to %s", entry.Status, req.Status),
		})
	}

	// Group members move together: same number, same state.
	var result sql.Result
	if entry.GroupID != nil {
		result, err = h.DB.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, updated_at = NOW()
			WHERE group_id = ?
		`, req.Status, *entry.GroupID)
	} else {
		result, err = h.DB.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, updated_at = NOW()
			WHERE id = ?
		`, req.Status, entry.ID)
	}
	if err != nil {
		log.Printf("[queue] update status of entry %d: %v", entryID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to update status",
		})
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Queue entry not found",
		})
	}

	entry.Status = req.Status
	h.publishUpdate(&entry, patientName, doctorName)

	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("Queue entry moved to %s", req.Status),
	})
}
