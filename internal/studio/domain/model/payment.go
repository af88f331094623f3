package model

import (
	"fmt"
	"time"

	apperrors "studio-core/internal/shared/errors"
)

// PaymentStatus is the settlement state of a payment.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentOverdue PaymentStatus = "OVERDUE"
)

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentOverdue:
		return true
	}
	return false
}

// ParsePaymentStatus converts a raw status into a PaymentStatus.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	s := PaymentStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidPaymentStatus, raw)
	}
	return s, nil
}

// Payment fields used in filters.
const (
	FieldStudentID = "student_id"
	FieldStatus    = "status"
	FieldPaidAt    = "paid_at"
	FieldClassID   = "class_id"
)

// Payment is one monthly obligation of a student.
type Payment struct {
	ID          string        `json:"id"`
	StudentID   string        `json:"student_id"`
	Amount      float64       `json:"amount"`
	Status      PaymentStatus `json:"status"`
	DueDate     time.Time     `json:"due_date"`
	Description string        `json:"description"`
	PaidAt      *time.Time    `json:"paid_at,omitempty"`
	Method      string        `json:"method,omitempty"`
}

// Record converts the payment into its stored form.
func (p Payment) Record() Record {
	rec := Record{
		FieldID:        p.ID,
		FieldStudentID: p.StudentID,
		"amount":       p.Amount,
		FieldStatus:    string(p.Status),
		"due_date":     p.DueDate,
		"description":  p.Description,
	}
	if p.PaidAt != nil {
		rec[FieldPaidAt] = *p.PaidAt
	}
	if p.Method != "" {
		rec["method"] = p.Method
	}
	return rec
}

// IsOverdueAt reports whether a pending payment is past due at asOf. Only
// the calendar day counts: a payment due today is not overdue.
func (p Payment) IsOverdueAt(asOf time.Time) bool {
	if p.Status != PaymentPending {
		return false
	}
	y, m, d := asOf.In(p.DueDate.Location()).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, p.DueDate.Location())
	dy, dm, dd := p.DueDate.Date()
	due := time.Date(dy, dm, dd, 0, 0, 0, 0, p.DueDate.Location())
	return due.Before(today)
}
