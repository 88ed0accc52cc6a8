package handler

import (
	"testing"
	"time"

	"clinic-backend/internal/models"
)

func row(id int64, regno int64, patient string, groupID *string) listRow {
	return listRow{
		entry: models.QueueEntry{
			ID:                 id,
			PatientID:          id * 10,
			DoctorID:           3,
			QueueDateTime:      time.Now(),
			RegistrationNumber: regno,
			QueueNumber:        models.FormatQueueNumber(regno),
			Status:             models.StatusWaiting,
			GroupID:            groupID,
		},
		patientName: patient,
		doctorName:  "Dr. Tan",
	}
}

func TestCollapseRows_NoGroups(t *testing.T) {
	rows := []listRow{
		row(1, 901, "Aminah", nil),
		row(2, 902, "Farid", nil),
	}

	items := collapseRows(rows)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	for _, it := range items {
		if it.TotalPatients != 1 {
			t.Errorf("item %d TotalPatients = %d, want 1", it.ID, it.TotalPatients)
		}
		if it.GroupID != nil {
			t.Errorf("item %d unexpectedly grouped", it.ID)
		}
	}
}

func TestCollapseRows_GroupBecomesOneItem(t *testing.T) {
	gid := "01JGROUP"
	rows := []listRow{
		row(1, 901, "Aminah", nil),
		row(2, 902, "Farid", &gid),
		row(3, 902, "Siti", &gid),
		row(4, 902, "Hana", &gid),
		row(5, 903, "Mei Ling", nil),
	}

	items := collapseRows(rows)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}

	group := items[1]
	if group.GroupID == nil || *group.GroupID != gid {
		t.Fatalf("middle item is not the group: %+v", group)
	}
	if group.TotalPatients != 3 {
		t.Errorf("TotalPatients = %d, want 3", group.TotalPatients)
	}
	if group.QueueNumber != "0902" {
		t.Errorf("group QueueNumber = %q, want %q", group.QueueNumber, "0902")
	}

	// Ordering by registration number survives the collapse.
	if items[0].RegistrationNumber != 901 || items[2].RegistrationNumber != 903 {
		t.Errorf("order broken: %d, %d, %d",
			items[0].RegistrationNumber, items[1].RegistrationNumber, items[2].RegistrationNumber)
	}
}

func TestCollapseRows_TwoSeparateGroups(t *testing.T) {
	g1, g2 := "01JAAA", "01JBBB"
	rows := []listRow{
		row(1, 901, "A", &g1),
		row(2, 901, "B", &g1),
		row(3, 902, "C", &g2),
		row(4, 902, "D", &g2),
	}

	items := collapseRows(rows)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].TotalPatients != 2 || items[1].TotalPatients != 2 {
		t.Errorf("TotalPatients = %d/%d, want 2/2",
			items[0].TotalPatients, items[1].TotalPatients)
	}
}
