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
	"github.com/oklog/ulid/v2"
)

// GroupPatientRequest - one member of a group registration
type GroupPatientRequest struct {
	ID           int64  `json:"id"`
	Relationship string `json:"relationship"`
}

// CreateGroupQueueRequest - request body for registering a family group
type CreateGroupQueueRequest struct {
	DoctorID int64                 `json:"doctorId"`
	Patients []GroupPatientRequest `json:"patients"`
}

// CreateGroupQueue - POST /api/queue/group
//
// Every member shares one registration number and one group id. The member
// rows are written in a single transaction: either the whole group is
// registered or none of it is.
func (h *Handler) CreateGroupQueue(c *fiber.Ctx) error {
	var req CreateGroupQueueRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	if req.DoctorID == 0 || len(req.Patients) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "doctorId and at least one patient are required",
		})
	}

	if !helper.IsClinicOpen(h.OpenAt, h.CloseAt, time.Now(), h.Loc) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Clinic is closed, registration is not available",
		})
	}

	ctx := c.Context()

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

	members := make([]models.GroupMember, 0, len(req.Patients))
	for _, p := range req.Patients {
		name, err := h.patientName(ctx, p.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"error":   "Patient not found",
			})
		}
		if err != nil {
			log.Printf("[queue] validate patient %d: %v", p.ID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   "Failed to validate patient",
			})
		}
		members = append(members, models.GroupMember{
			PatientID:    p.ID,
			Name:         name,
			Relationship: p.Relationship,
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

	groupID := ulid.Make().String()
	meta, err := models.EncodeMeta(&models.QueueMeta{GroupMembers: members})
	if err != nil {
		log.Printf("[queue] encode group metadata: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to encode group metadata",
		})
	}

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("[queue] begin group tx: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to register group",
		})
	}

	var firstID int64
	for i, m := range members {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries
			(patient_id, doctor_id, queue_datetime, registration_number, queue_number, status, group_id, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
		`, m.PatientID, req.DoctorID, alloc.At, alloc.RegistrationNumber, alloc.QueueNumber,
			models.StatusWaiting, groupID, meta)
		if err != nil {
			tx.Rollback()
			log.Printf("[queue] insert group member %d: %v", m.PatientID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   "Failed to register group",
			})
		}
		if i == 0 {
			firstID, _ = result.LastInsertId()
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[queue] commit group tx: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to register group",
		})
	}

	// One event for the whole group: members share the number anyway.
	gid := groupID
	entry := &models.QueueEntry{
		ID:                 firstID,
		PatientID:          members[0].PatientID,
		DoctorID:           req.DoctorID,
		QueueDateTime:      alloc.At,
		RegistrationNumber: alloc.RegistrationNumber,
		QueueNumber:        alloc.QueueNumber,
		Status:             models.StatusWaiting,
		GroupID:            &gid,
	}
	h.publishUpdate(entry, members[0].Name, doctorName)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Group queue number issued",
		"data": fiber.Map{
			"queueNumber":        alloc.QueueNumber,
			"registrationNumber": alloc.RegistrationNumber,
			"groupId":            groupID,
			"totalPatients":      len(members),
			"patients":           members,
		},
	})
}

// GetGroup - GET /api/queue/group/:groupId
func (h *Handler) GetGroup(c *fiber.Ctx) error {
	groupID := c.Params("groupId")
	ctx := c.Context()

	rows, err := h.DB.QueryContext(ctx, `
		SELECT qe.id, qe.patient_id, p.name, qe.doctor_id, d.name,
		       qe.registration_number, qe.queue_number, qe.status,
		       qe.queue_datetime, qe.metadata
		FROM queue_entries qe
		JOIN patients p ON qe.patient_id = p.id
		JOIN doctors d ON qe.doctor_id = d.id
		WHERE qe.group_id = ?
		ORDER BY qe.id ASC
	`, groupID)
	if err != nil {
		log.Printf("[queue] load group %s: %v", groupID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to load group",
		})
	}
	defer rows.Close()

	type memberStatus struct {
		EntryID   int64  `json:"entryId"`
		PatientID int64  `json:"patientId"`
		Name      string `json:"name"`
		Status    string `json:"status"`
	}

	var (
		patients           []memberStatus
		queueNumber        string
		registrationNumber int64
		status             string
		doctorID           int64
		doctor             string
		queueDateTime      time.Time
		rawMeta            *string
	)

	for rows.Next() {
		var m memberStatus
		if err := rows.Scan(&m.EntryID, &m.PatientID, &m.Name, &doctorID, &doctor,
			&registrationNumber, &queueNumber, &m.Status, &queueDateTime, &rawMeta); err != nil {
			log.Printf("[queue] scan group row: %v", err)
			continue
		}
		status = m.Status
		patients = append(patients, m)
	}

	if len(patients) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Group not found",
		})
	}

	meta, err := models.DecodeMeta(rawMeta)
	if err != nil {
		log.Printf("[queue] decode group metadata: %v", err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"groupId":            groupID,
			"queueNumber":        queueNumber,
			"registrationNumber": registrationNumber,
			"status":             status,
			"doctor":             fiber.Map{"id": doctorID, "name": doctor},
			"queueDateTime":      queueDateTime,
			"totalPatients":      len(patients),
			"patients":           patients,
			"metadata":           meta,
		},
	})
}
