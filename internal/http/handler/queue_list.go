package handler

import (
	"log"
	"time"

	"clinic-backend/internal/helper"
	"clinic-backend/internal/models"

	"github.com/gofiber/fiber/v2"
)

// QueueItem is one logical line on the queue list. A family group is a
// single item regardless of how many member rows back it.
type QueueItem struct {
	ID                 int64                `json:"id"`
	QueueNumber        string               `json:"queueNumber"`
	RegistrationNumber int64                `json:"registrationNumber"`
	Status             string               `json:"status"`
	QueueDateTime      time.Time            `json:"queueDateTime"`
	Patient            PatientInfo          `json:"patient"`
	Doctor             DoctorInfo           `json:"doctor"`
	GroupID            *string              `json:"groupId,omitempty"`
	TotalPatients      int                  `json:"totalPatients"`
	GroupMembers       []models.GroupMember `json:"groupMembers,omitempty"`
}

type PatientInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type DoctorInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type listRow struct {
	entry       models.QueueEntry
	patientName string
	doctorName  string
}

// collapseRows folds member rows sharing a group id into one item.
// Rows arrive ordered by registration number then id, and stay in order.
func collapseRows(rows []listRow) []QueueItem {
	var items []QueueItem
	byGroup := make(map[string]int) // group id -> index into items

	for _, r := range rows {
		if r.entry.GroupID != nil {
			if idx, ok := byGroup[*r.entry.GroupID]; ok {
				items[idx].TotalPatients++
				continue
			}
		}

		item := QueueItem{
			ID:                 r.entry.ID,
			QueueNumber:        r.entry.QueueNumber,
			RegistrationNumber: r.entry.RegistrationNumber,
			Status:             r.entry.Status,
			QueueDateTime:      r.entry.QueueDateTime,
			Patient:            PatientInfo{ID: r.entry.PatientID, Name: r.patientName},
			Doctor:             DoctorInfo{ID: r.entry.DoctorID, Name: r.doctorName},
			GroupID:            r.entry.GroupID,
			TotalPatients:      1,
		}
		if r.entry.Metadata != nil {
			item.GroupMembers = r.entry.Metadata.GroupMembers
		}

		items = append(items, item)
		if r.entry.GroupID != nil {
			byGroup[*r.entry.GroupID] = len(items) - 1
		}
	}

	return items
}

// ListQueue - GET /api/queue?date=YYYY-MM-DD (today when omitted)
func (h *Handler) ListQueue(c *fiber.Ctx) error {
	day := time.Now().In(h.Loc)
	if q := c.Query("date"); q != "" {
		parsed, err := time.ParseInLocation("2006-01-02", q, h.Loc)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "date must be YYYY-MM-DD",
			})
		}
		day = parsed
	}

	items, err := h.listForDate(day)
	if err != nil {
		log.Printf("[queue] list for %s: %v", day.Format("2006-01-02"), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to load queue",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    items,
		"date":    day.Format("2006-01-02"),
		"total":   len(items),
	})
}

func (h *Handler) listForDate(day time.Time) ([]QueueItem, error) {
	start, end := helper.DayBounds(day, h.Loc)

	rows, err := h.DB.Query(`
		SELECT qe.id, qe.patient_id, p.name, qe.doctor_id, d.name,
		       qe.queue_datetime, qe.registration_number, qe.queue_number,
		       qe.status, qe.group_id, qe.metadata
		FROM queue_entries qe
		JOIN patients p ON qe.patient_id = p.id
		JOIN doctors d ON qe.doctor_id = d.id
		WHERE qe.queue_datetime >= ? AND qe.queue_datetime < ?
		ORDER BY qe.registration_number ASC, qe.id ASC
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []listRow
	for rows.Next() {
		var (
			r       listRow
			rawMeta *string
		)
		err := rows.Scan(
			&r.entry.ID,
			&r.entry.PatientID,
			&r.patientName,
			&r.entry.DoctorID,
			&r.doctorName,
			&r.entry.QueueDateTime,
			&r.entry.RegistrationNumber,
			&r.entry.QueueNumber,
			&r.entry.Status,
			&r.entry.GroupID,
			&rawMeta,
		)
		if err != nil {
			log.Printf("[queue] scan list row: %v", err)
			continue
		}
		if r.entry.Metadata, err = models.DecodeMeta(rawMeta); err != nil {
			log.Printf("[queue] decode metadata for entry %d: %v", r.entry.ID, err)
		}
		list = append(list, r)
	}

	return collapseRows(list), rows.Err()
}
