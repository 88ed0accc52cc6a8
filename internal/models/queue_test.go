package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestFormatQueueNumber_ZeroPadding(t *testing.T) {
	cases := map[int64]string{
		1:    "0001",
		9:    "0009",
		42:   "0042",
		807:  "0807",
		1401: "1401",
		9999: "9999",
	}
	for n, want := range cases {
		if got := FormatQueueNumber(n); got != want {
			t.Errorf("FormatQueueNumber(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestFormatQueueNumber_AlwaysFourDigits(t *testing.T) {
	for n := int64(1); n <= 9999; n++ {
		got := FormatQueueNumber(n)
		if len(got) != 4 {
			t.Fatalf("FormatQueueNumber(%d) = %q, want 4 digits", n, got)
		}
		if got != fmt.Sprintf("%04d", n) {
			t.Fatalf("FormatQueueNumber(%d) = %q, not zero padded", n, got)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		ok       bool
	}{
		{StatusWaiting, StatusInConsultation, true},
		{StatusWaiting, StatusCompleted, true},
		{StatusWaiting, StatusCancelled, true},
		{StatusInConsultation, StatusCompleted, true},
		{StatusInConsultation, StatusCancelled, true},

		{StatusWaiting, StatusWaiting, false},
		{StatusInConsultation, StatusWaiting, false},
		{StatusCompleted, StatusWaiting, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusWaiting, false},
		{StatusCancelled, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestCheckTransition_TypedError(t *testing.T) {
	err := CheckTransition(StatusCompleted, StatusWaiting)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if err := CheckTransition(StatusWaiting, StatusCompleted); err != nil {
		t.Fatalf("legal transition returned error: %v", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	meta := &QueueMeta{GroupMembers: []GroupMember{
		{PatientID: 1, Name: "Aminah", Relationship: "self"},
		{PatientID: 2, Name: "Farid", Relationship: "child"},
	}}

	raw, err := EncodeMeta(meta)
	if err != nil {
		t.Fatalf("EncodeMeta: %v", err)
	}
	got, err := DecodeMeta(raw)
	if err != nil {
		t.Fatalf("DecodeMeta: %v", err)
	}
	if len(got.GroupMembers) != 2 || got.GroupMembers[1].Relationship != "child" {
		t.Errorf("unexpected decoded meta: %+v", got)
	}

	// NULL column stays nil both ways.
	if raw, _ := EncodeMeta(nil); raw != nil {
		t.Error("EncodeMeta(nil) should be nil")
	}
	if m, _ := DecodeMeta(nil); m != nil {
		t.Error("DecodeMeta(nil) should be nil")
	}
}
