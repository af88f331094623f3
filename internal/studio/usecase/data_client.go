package usecase

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/shared/logger"
	"studio-core/internal/shared/tracing"
	"studio-core/internal/shared/utils"
	"studio-core/internal/shared/validation"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ResultCache is the read-through cache the client fronts the store with.
type ResultCache interface {
	CacheInvalidator
	Lookup(key model.CacheKey) (interface{}, bool)
	Put(key model.CacheKey, data interface{})
	Invalidate(key model.CacheKey)
	InvalidateCollection(c model.Collection) int
}

// DataClient is the studio's data access surface: cached reads, writes that
// invalidate locally, live change subscriptions and billing generation. Each
// instance owns its cache and bus; nothing is global.
type DataClient struct {
	store   repository.RemoteStore
	cache   ResultCache
	bus     *ChangeBus
	billing *BillingScheduler
	log     logger.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option customises a DataClient.
type Option func(*DataClient)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *DataClient) {
		if now != nil {
			d.now = now
		}
	}
}

// WithTracer replaces the global module tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *DataClient) {
		if t != nil {
			d.tracer = t
		}
	}
}

// NewDataClient wires a client over store and feed.
func NewDataClient(store repository.RemoteStore, feed repository.ChangeFeed, cache ResultCache, log logger.Logger, opts ...Option) *DataClient {
	if log == nil {
		log = logger.NewNopLogger()
	}
	d := &DataClient{
		store:  store,
		cache:  cache,
		log:    log.WithComponent("data-client"),
		tracer: tracing.Tracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.bus = NewChangeBus(feed, cache, log)
	d.billing = NewBillingScheduler(store, log, d.now)
	return d
}

// Bus exposes the change bus, mainly for lifecycle inspection.
func (d *DataClient) Bus() *ChangeBus {
	return d.bus
}

// Close shuts the change bus down.
func (d *DataClient) Close(ctx context.Context) error {
	return d.bus.Close(ctx)
}

// Subscribe registers a listener for change notifications.
func (d *DataClient) Subscribe(ctx context.Context, listener Listener) (UnsubscribeFunc, error) {
	return d.bus.Subscribe(ctx, listener)
}

// GetAllUsers returns every user.
func (d *DataClient) GetAllUsers(ctx context.Context, force bool) ([]model.User, error) {
	return readThrough(ctx, d, model.AllUsersKey(), force, func(ctx context.Context) ([]model.User, error) {
		return fetch[model.User](ctx, d.store, model.CollectionUsers, nil)
	})
}

// GetPayments returns the payments of studentID ordered by due date, or every
// payment when studentID is empty.
func (d *DataClient) GetPayments(ctx context.Context, studentID string, force bool) ([]model.Payment, error) {
	key := model.AllPaymentsKey()
	var filter model.Filter
	if studentID != "" {
		key = model.PaymentsForKey(studentID)
		filter = model.Filter{model.FieldStudentID: studentID}
	}
	return readThrough(ctx, d, key, force, func(ctx context.Context) ([]model.Payment, error) {
		payments, err := fetch[model.Payment](ctx, d.store, model.CollectionPayments, filter)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(payments, func(i, j int) bool {
			return payments[i].DueDate.Before(payments[j].DueDate)
		})
		return payments, nil
	})
}

// GetPlans returns every plan.
func (d *DataClient) GetPlans(ctx context.Context, force bool) ([]model.Plan, error) {
	return readThrough(ctx, d, model.AllPlansKey(), force, func(ctx context.Context) ([]model.Plan, error) {
		return fetch[model.Plan](ctx, d.store, model.CollectionPlans, nil)
	})
}

// GetClasses returns every class.
func (d *DataClient) GetClasses(ctx context.Context, force bool) ([]model.Class, error) {
	return readThrough(ctx, d, model.AllClassesKey(), force, func(ctx context.Context) ([]model.Class, error) {
		return fetch[model.Class](ctx, d.store, model.CollectionClasses, nil)
	})
}

// GetAssessments returns the assessments of studentID, or all of them.
func (d *DataClient) GetAssessments(ctx context.Context, studentID string, force bool) ([]model.Assessment, error) {
	key := model.AllAssessmentsKey()
	var filter model.Filter
	if studentID != "" {
		key = model.AssessmentsForKey(studentID)
		filter = model.Filter{model.FieldStudentID: studentID}
	}
	return readThrough(ctx, d, key, force, func(ctx context.Context) ([]model.Assessment, error) {
		return fetch[model.Assessment](ctx, d.store, model.CollectionAssessments, filter)
	})
}

// GetAttendance returns the attendance of classID, or all of it.
func (d *DataClient) GetAttendance(ctx context.Context, classID string, force bool) ([]model.Attendance, error) {
	key := model.AllAttendanceKey()
	var filter model.Filter
	if classID != "" {
		key = model.AttendanceForKey(classID)
		filter = model.Filter{model.FieldClassID: classID}
	}
	return readThrough(ctx, d, key, force, func(ctx context.Context) ([]model.Attendance, error) {
		return fetch[model.Attendance](ctx, d.store, model.CollectionAttendance, filter)
	})
}

// SaveStudent stores next and, when it carries a newly assigned plan,
// generates its billing schedule. An empty id inserts a new student;
// otherwise the stored record is read first and the plan comparison runs
// against it.
func (d *DataClient) SaveStudent(ctx context.Context, next model.User) (model.User, error) {
	if err := validation.Struct(next); err != nil {
		return model.User{}, err
	}
	if next.Role == "" {
		next.Role = model.RoleStudent
	}

	var previous *model.User
	if next.ID != "" {
		stored, err := fetch[model.User](ctx, d.store, model.CollectionUsers, model.Filter{model.FieldID: next.ID})
		if err != nil {
			return model.User{}, err
		}
		if len(stored) == 0 {
			return model.User{}, fmt.Errorf("%s/%s: %w", model.CollectionUsers, next.ID, apperrors.ErrRecordNotFound)
		}
		previous = &stored[0]
	}

	now := d.now()
	next.UpdatedAt = now
	rec := next.Record()
	delete(rec, model.FieldID)

	var saved model.Record
	var err error
	if previous == nil {
		rec["created_at"] = now
		saved, err = d.store.InsertRecord(ctx, model.CollectionUsers, rec)
	} else {
		delete(rec, "created_at")
		// Updates merge, so a cleared start date has to be written out.
		if next.PlanStartDate == nil {
			rec[model.FieldPlanStartDate] = nil
		}
		saved, err = d.store.UpdateRecord(ctx, model.CollectionUsers, next.ID, rec)
	}
	d.cache.InvalidateCollection(model.CollectionUsers)
	if err != nil {
		return model.User{}, err
	}

	user, err := model.DecodeRecord[model.User](saved)
	if err != nil {
		return model.User{}, err
	}

	if ShouldGenerateSchedule(previous, user) {
		_, err := d.GenerateBillingSchedule(ctx, user.ID, user.PlanValue, user.PlanDiscount, user.PlanDurationMonths, user.PlanStartDate)
		if err != nil {
			return user, err
		}
	}
	return user, nil
}

// DeleteUser removes a user record.
func (d *DataClient) DeleteUser(ctx context.Context, id string) error {
	err := d.store.DeleteRecord(ctx, model.CollectionUsers, id)
	d.cache.InvalidateCollection(model.CollectionUsers)
	return err
}

// GenerateBillingSchedule replaces the student's pending payments with
// durationMonths new ones. A non-positive duration does nothing at all.
func (d *DataClient) GenerateBillingSchedule(ctx context.Context, studentID string, planValue, planDiscount float64, durationMonths int, startDate *time.Time) ([]model.Payment, error) {
	if durationMonths <= 0 {
		return nil, nil
	}

	ctx = utils.WithStudentID(utils.WithOperation(ctx, "generate_billing"), studentID)
	ctx, span := d.tracer.Start(ctx, "studio.billing.generate", trace.WithAttributes(
		attribute.String("student.id", studentID),
		attribute.Int("plan.duration_months", durationMonths),
	))
	defer span.End()

	created, err := d.billing.Generate(ctx, studentID, PlanTerms{
		Value:          planValue,
		Discount:       planDiscount,
		DurationMonths: durationMonths,
		StartDate:      startDate,
	})
	d.cache.InvalidateCollection(model.CollectionPayments)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return created, nil
}

// UpdatePaymentStatus reconciles a payment by hand. Marking it PAID stamps
// paid_at and the optional method; any other status clears paid_at.
func (d *DataClient) UpdatePaymentStatus(ctx context.Context, paymentID string, status model.PaymentStatus, method string) (model.Payment, error) {
	if !status.Valid() {
		return model.Payment{}, apperrors.ErrInvalidPaymentStatus
	}

	fields := model.Record{model.FieldStatus: string(status)}
	if status == model.PaymentPaid {
		fields[model.FieldPaidAt] = d.now()
		if method != "" {
			fields["method"] = method
		}
	} else {
		fields[model.FieldPaidAt] = nil
	}

	rec, err := d.store.UpdateRecord(ctx, model.CollectionPayments, paymentID, fields)
	d.cache.InvalidateCollection(model.CollectionPayments)
	if err != nil {
		return model.Payment{}, err
	}
	return model.DecodeRecord[model.Payment](rec)
}

// MarkOverduePayments flips every PENDING payment due before asOf's calendar
// day to OVERDUE and returns how many were flipped. On error the count
// covers the updates that went through.
func (d *DataClient) MarkOverduePayments(ctx context.Context, asOf time.Time) (int, error) {
	pending, err := fetch[model.Payment](ctx, d.store, model.CollectionPayments, model.Filter{
		model.FieldStatus: string(model.PaymentPending),
	})
	if err != nil {
		return 0, err
	}

	flipped := 0
	defer func() {
		if flipped > 0 {
			d.cache.InvalidateCollection(model.CollectionPayments)
		}
	}()
	for _, p := range pending {
		if !p.IsOverdueAt(asOf) {
			continue
		}
		if _, err := d.store.UpdateRecord(ctx, model.CollectionPayments, p.ID, model.Record{
			model.FieldStatus: string(model.PaymentOverdue),
		}); err != nil {
			return flipped, err
		}
		flipped++
	}

	if flipped > 0 {
		d.log.Info("Marked payments overdue", zap.Int("count", flipped), zap.Time("asOf", asOf))
	}
	return flipped, nil
}

// RecordAttendance checks a student into a class.
func (d *DataClient) RecordAttendance(ctx context.Context, a model.Attendance) (model.Attendance, error) {
	if err := validation.Struct(a); err != nil {
		return model.Attendance{}, err
	}
	if a.CheckedInAt.IsZero() {
		a.CheckedInAt = d.now()
	}
	a.ID = ""
	return save[model.Attendance](ctx, d, model.CollectionAttendance, "", a.Record())
}

// SaveAssessment inserts or updates an assessment.
func (d *DataClient) SaveAssessment(ctx context.Context, a model.Assessment) (model.Assessment, error) {
	if err := validation.Struct(a); err != nil {
		return model.Assessment{}, err
	}
	return save[model.Assessment](ctx, d, model.CollectionAssessments, a.ID, a.Record())
}

// SaveClass inserts or updates a class.
func (d *DataClient) SaveClass(ctx context.Context, c model.Class) (model.Class, error) {
	if err := validation.Struct(c); err != nil {
		return model.Class{}, err
	}
	return save[model.Class](ctx, d, model.CollectionClasses, c.ID, c.Record())
}

// readThrough serves key from the cache when fresh and not forced, otherwise
// calls load and caches its result. Failed loads are never cached.
func readThrough[T any](ctx context.Context, d *DataClient, key model.CacheKey, force bool, load func(ctx context.Context) ([]T, error)) ([]T, error) {
	if !force {
		if data, ok := d.cache.Lookup(key); ok {
			if items, ok := data.([]T); ok {
				return slices.Clone(items), nil
			}
		}
	}

	ctx, span := d.tracer.Start(ctx, "studio.read", trace.WithAttributes(
		attribute.String("cache.key", key.String()),
		attribute.Bool("cache.force", force),
	))
	defer span.End()

	items, err := load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Debug("Remote read failed", zap.String("key", key.String()), zap.Error(err))
		return nil, err
	}
	d.cache.Put(key, slices.Clone(items))
	return items, nil
}

func fetch[T any](ctx context.Context, store repository.RemoteStore, c model.Collection, filter model.Filter) ([]T, error) {
	records, err := store.ReadCollection(ctx, c, filter)
	if err != nil {
		return nil, err
	}
	return model.DecodeRecords[T](records)
}

// save inserts rec when id is empty and updates it otherwise, then drops the
// collection's cached reads.
func save[T any](ctx context.Context, d *DataClient, c model.Collection, id string, rec model.Record) (T, error) {
	delete(rec, model.FieldID)

	var saved model.Record
	var err error
	if id == "" {
		saved, err = d.store.InsertRecord(ctx, c, rec)
	} else {
		saved, err = d.store.UpdateRecord(ctx, c, id, rec)
	}
	d.cache.InvalidateCollection(c)
	if err != nil {
		var zero T
		return zero, err
	}
	return model.DecodeRecord[T](saved)
}
