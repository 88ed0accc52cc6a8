package handler

import (
	"database/sql"
	"errors"
	"log"
	"time"

	"clinic-backend/internal/allocator"
	"clinic-backend/internal/helper"
	"clinic-backend/internal/models"

	"github.com/gofiber/fiber/v2"
)

// CreateQueueRequest - request body for registering one patient
type CreateQueueRequest struct {
	PatientID int64 `json:"patientId"`
	DoctorID  int64 `json:"doctorId"`
}

// CreateQueue - POST /api/queue
func (h *Handler) CreateQueue(c *fiber.Ctx) error {
	var req CreateQueueRequest
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

	if !helper.IsClinicOpen(h.OpenAt, h.CloseAt, time.Now(), h.Loc) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Clinic is closed, registration is not available",
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
		log.Printf("[queue] validate patient: %v", err)
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
		log.Printf("[queue] validate doctor: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to validate doctor",
		})
	}

	alloc, err := h.Alloc.Next(ctx)
	if errors.Is(err, allocator.ErrBusy) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"error":   "Registration is busy, please retry",
		})
	}
	if err != nil {
		log.Printf("[queue] allocate number: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to allocate queue number",
		})
	}

	result, err := h.DB.ExecContext(ctx, `
		INSERT INTO queue_entries
		(patient_id, doctor_id, queue_datetime, registration_number, queue_number, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NOW(), NOW())
	`, req.PatientID, req.DoctorID, alloc.At, alloc.RegistrationNumber, alloc.QueueNumber, models.StatusWaiting)
	if err != nil {
		log.Printf("[queue] insert entry: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to create queue entry",
		})
	}

	id, _ := result.LastInsertId()

	entry := &models.QueueEntry{
		ID:                 id,
		PatientID:          req.PatientID,
		DoctorID:           req.DoctorID,
		QueueDateTime:      alloc.At,
		RegistrationNumber: alloc.RegistrationNumber,
		QueueNumber:        alloc.QueueNumber,
		Status:             models.StatusWaiting,
	}
	h.publishUpdate(entry, patientName, doctorName)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Queue number issued",
		"data": fiber.Map{
			"id":                 id,
			"queueNumber":        alloc.QueueNumber,
			"registrationNumber": alloc.RegistrationNumber,
		},
	})
}
