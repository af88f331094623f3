package usecase

import (
	"context"
	"fmt"
	"time"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"go.uber.org/zap"
)

const installmentLabel = "Mensalidade"

// PlanTerms is what gets billed when a plan is assigned. Missing value or
// discount count as zero.
type PlanTerms struct {
	Value          float64    `json:"plan_value" validate:"gte=0"`
	Discount       float64    `json:"plan_discount" validate:"gte=0"`
	DurationMonths int        `json:"duration_months" validate:"gte=0,lte=120"`
	StartDate      *time.Time `json:"start_date,omitempty"`
}

// ShouldGenerateSchedule reports whether saving next over previous assigns a
// new plan. Only a change of plan id counts: editing the price of the plan a
// student already has leaves the existing pending payments untouched. That
// is how the studio has always behaved and is kept until the product owners
// decide otherwise.
func ShouldGenerateSchedule(previous *model.User, next model.User) bool {
	if next.PlanID == "" || next.PlanDurationMonths <= 0 {
		return false
	}
	return previous == nil || previous.PlanID != next.PlanID
}

// BuildSchedule lays out one pending payment per month starting at
// terms.StartDate, or now when no start is set. Due dates use calendar month
// arithmetic with Go's normalisation, so Jan 31 + 1 month is Mar 2 or 3.
func BuildSchedule(studentID string, terms PlanTerms, now time.Time) []model.Payment {
	if terms.DurationMonths <= 0 {
		return nil
	}
	start := now
	if terms.StartDate != nil {
		start = *terms.StartDate
	}
	amount := terms.Value - terms.Discount

	schedule := make([]model.Payment, 0, terms.DurationMonths)
	for i := 0; i < terms.DurationMonths; i++ {
		schedule = append(schedule, model.Payment{
			StudentID:   studentID,
			Amount:      amount,
			Status:      model.PaymentPending,
			DueDate:     start.AddDate(0, i, 0),
			Description: fmt.Sprintf("%s %d/%d", installmentLabel, i+1, terms.DurationMonths),
		})
	}
	return schedule
}

// BillingScheduler replaces a student's pending payments with a new schedule.
type BillingScheduler struct {
	store repository.RemoteStore
	log   logger.Logger
	now   func() time.Time
}

// NewBillingScheduler creates a scheduler writing through store.
func NewBillingScheduler(store repository.RemoteStore, log logger.Logger, now func() time.Time) *BillingScheduler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &BillingScheduler{store: store, log: log.WithComponent("billing"), now: now}
}

// Generate deletes the student's PENDING payments and inserts the new
// schedule. PAID and OVERDUE records are never touched. If the delete fails
// nothing is inserted. When the store is a repository.Transactor both steps
// run in one transaction; otherwise a failed insert leaves the student with
// no pending payments until the schedule is generated again.
func (s *BillingScheduler) Generate(ctx context.Context, studentID string, terms PlanTerms) ([]model.Payment, error) {
	if terms.DurationMonths <= 0 {
		return nil, nil
	}
	if studentID == "" {
		return nil, apperrors.ErrInvalidStudentID
	}

	schedule := BuildSchedule(studentID, terms, s.now())
	var created []model.Payment

	replace := func(ctx context.Context) error {
		removed, err := s.store.DeleteWhere(ctx, model.CollectionPayments, model.Filter{
			model.FieldStudentID: studentID,
			model.FieldStatus:    string(model.PaymentPending),
		})
		if err != nil {
			return err
		}

		records := make([]model.Record, 0, len(schedule))
		for _, p := range schedule {
			rec := p.Record()
			delete(rec, model.FieldID)
			records = append(records, rec)
		}
		inserted, err := s.store.InsertManyRecords(ctx, model.CollectionPayments, records)
		if err != nil {
			return err
		}

		created, err = model.DecodeRecords[model.Payment](inserted)
		if err != nil {
			return err
		}
		s.log.WithContext(ctx).Info("Billing schedule generated",
			zap.Int64("pendingRemoved", removed),
			zap.Int("installments", len(created)))
		return nil
	}

	var err error
	if tx, ok := s.store.(repository.Transactor); ok {
		err = tx.WithTransaction(ctx, replace)
	} else {
		err = replace(ctx)
	}
	if err != nil {
		s.log.WithContext(ctx).Error("Billing schedule generation failed", zap.String("studentID", studentID), zap.Error(err))
		return nil, err
	}
	return created, nil
}
