package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/studio/adapter/cache"
	"studio-core/internal/studio/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clientFixture struct {
	client *DataClient
	store  *countingStore
	cache  *cache.ResultCache
	clock  *fakeClock
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()
	clock := newFakeClock()
	store := newCountingStore()
	rc := cache.New(cache.DefaultTTL, cache.WithClock(clock.Now))
	client := NewDataClient(store, store, rc, nil, WithClock(clock.Now))
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return &clientFixture{client: client, store: store, cache: rc, clock: clock}
}

func TestDataClient_ReadServedFromCacheWithinTTL(t *testing.T) {
	f := newClientFixture(t)
	f.store.Seed(model.CollectionUsers, model.User{ID: "u1", Name: "Ana"}.Record())
	ctx := context.Background()

	users, err := f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)
	require.Len(t, users, 1)

	f.clock.Advance(cache.DefaultTTL - time.Millisecond)
	_, err = f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Reads())

	f.clock.Advance(time.Millisecond)
	_, err = f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.Reads())
}

func TestDataClient_ForceBypassesAndRefreshesCache(t *testing.T) {
	f := newClientFixture(t)
	f.store.Seed(model.CollectionUsers, model.User{ID: "u1", Name: "Ana"}.Record())
	ctx := context.Background()

	_, err := f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)

	// Seed raises no events, so the cache still holds one user.
	f.store.Seed(model.CollectionUsers, model.User{ID: "u2", Name: "Bia"}.Record())
	cached, err := f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	forced, err := f.client.GetAllUsers(ctx, true)
	require.NoError(t, err)
	assert.Len(t, forced, 2)

	after, err := f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)
	assert.Len(t, after, 2)
	assert.Equal(t, 2, f.store.Reads())
}

func TestDataClient_FailedReadIsNotCached(t *testing.T) {
	f := newClientFixture(t)
	f.store.Seed(model.CollectionPlans, model.Record{"id": "p1", "name": "Mensal", "price": 150.0, "duration_months": 1})
	f.store.readErr = errors.New("network down")
	ctx := context.Background()

	_, err := f.client.GetPlans(ctx, false)
	require.Error(t, err)
	assert.Equal(t, 0, f.cache.Len())

	plans, err := f.client.GetPlans(ctx, false)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "Mensal", plans[0].Name)
	assert.Equal(t, 2, f.store.Reads())
}

func TestDataClient_CachedSliceIsNotShared(t *testing.T) {
	f := newClientFixture(t)
	f.store.Seed(model.CollectionUsers, model.User{ID: "u1", Name: "Ana"}.Record())
	ctx := context.Background()

	first, err := f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)
	first[0].Name = "changed"

	second, err := f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Ana", second[0].Name)
}

func TestDataClient_GetPaymentsFiltersAndOrders(t *testing.T) {
	f := newClientFixture(t)
	f.store.Seed(model.CollectionPayments,
		model.Payment{ID: "b", StudentID: "s1", Status: model.PaymentPending, DueDate: date(2024, 12, 15)}.Record(),
		model.Payment{ID: "a", StudentID: "s1", Status: model.PaymentPending, DueDate: date(2024, 10, 15)}.Record(),
		model.Payment{ID: "c", StudentID: "s2", Status: model.PaymentPending, DueDate: date(2024, 11, 15)}.Record(),
	)
	ctx := context.Background()

	mine, err := f.client.GetPayments(ctx, "s1", false)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "a", mine[0].ID)
	assert.Equal(t, "b", mine[1].ID)

	all, err := f.client.GetPayments(ctx, "", false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, ok := f.cache.Lookup(model.PaymentsForKey("s1"))
	assert.True(t, ok)
	_, ok = f.cache.Lookup(model.AllPaymentsKey())
	assert.True(t, ok)
}

func TestDataClient_SaveStudentGeneratesSchedule(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	before, err := f.client.GetPayments(ctx, "", false)
	require.NoError(t, err)
	assert.Empty(t, before)

	start := date(2024, 10, 15)
	saved, err := f.client.SaveStudent(ctx, model.User{
		Name:               "Ana",
		PlanID:             "p1",
		PlanValue:          150,
		PlanDiscount:       10,
		PlanDurationMonths: 3,
		PlanStartDate:      &start,
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)
	assert.Equal(t, model.RoleStudent, saved.Role)

	// The local write dropped the cached payments read.
	payments, err := f.client.GetPayments(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, payments, 3)
	assert.Equal(t, saved.ID, payments[0].StudentID)
	assert.Equal(t, 140.0, payments[0].Amount)
	assert.True(t, start.Equal(payments[0].DueDate))
}

func TestDataClient_PriceChangeKeepsSchedule(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	saved, err := f.client.SaveStudent(ctx, model.User{
		Name: "Ana", PlanID: "p1", PlanValue: 150, PlanDiscount: 10, PlanDurationMonths: 3,
	})
	require.NoError(t, err)

	next := saved
	next.PlanValue = 300
	_, err = f.client.SaveStudent(ctx, next)
	require.NoError(t, err)

	payments, err := f.client.GetPayments(ctx, saved.ID, true)
	require.NoError(t, err)
	require.Len(t, payments, 3)
	for _, p := range payments {
		assert.Equal(t, 140.0, p.Amount)
	}
}

func TestDataClient_PlanSwitchKeepsPaidInstallments(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	saved, err := f.client.SaveStudent(ctx, model.User{
		Name: "Ana", PlanID: "p1", PlanValue: 150, PlanDurationMonths: 3,
	})
	require.NoError(t, err)

	payments, err := f.client.GetPayments(ctx, saved.ID, false)
	require.NoError(t, err)
	_, err = f.client.UpdatePaymentStatus(ctx, payments[0].ID, model.PaymentPaid, "pix")
	require.NoError(t, err)

	next := saved
	next.PlanID = "p2"
	next.PlanValue = 90
	next.PlanDurationMonths = 2
	_, err = f.client.SaveStudent(ctx, next)
	require.NoError(t, err)

	after, err := f.client.GetPayments(ctx, saved.ID, false)
	require.NoError(t, err)
	require.Len(t, after, 3)

	var paid, pending int
	for _, p := range after {
		switch p.Status {
		case model.PaymentPaid:
			paid++
			assert.Equal(t, payments[0].ID, p.ID)
		case model.PaymentPending:
			pending++
			assert.Equal(t, 90.0, p.Amount)
		}
	}
	assert.Equal(t, 1, paid)
	assert.Equal(t, 2, pending)
}

func TestDataClient_NameEditKeepsSchedule(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	saved, err := f.client.SaveStudent(ctx, model.User{
		Name: "Ana", PlanID: "p1", PlanValue: 150, PlanDurationMonths: 3,
	})
	require.NoError(t, err)
	before, err := f.client.GetPayments(ctx, saved.ID, true)
	require.NoError(t, err)
	require.Len(t, before, 3)

	edited := model.User{ID: saved.ID, Name: "Ana Lima", PlanID: "p1", PlanValue: 150, PlanDurationMonths: 3}
	_, err = f.client.SaveStudent(ctx, edited)
	require.NoError(t, err)

	after, err := f.client.GetPayments(ctx, saved.ID, true)
	require.NoError(t, err)
	require.Len(t, after, 3)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
	}
}

func TestDataClient_PlanSwitchWithoutStartDateBillsFromNow(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	start := date(2024, 10, 15)
	saved, err := f.client.SaveStudent(ctx, model.User{
		Name: "Ana", PlanID: "p1", PlanValue: 150, PlanDurationMonths: 3, PlanStartDate: &start,
	})
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.clock.Advance(now.Sub(f.clock.Now()))

	next := saved
	next.PlanID = "p2"
	next.PlanValue = 90
	next.PlanDurationMonths = 2
	next.PlanStartDate = nil
	updated, err := f.client.SaveStudent(ctx, next)
	require.NoError(t, err)
	assert.Nil(t, updated.PlanStartDate)

	payments, err := f.client.GetPayments(ctx, saved.ID, true)
	require.NoError(t, err)
	var pending []model.Payment
	for _, p := range payments {
		if p.Status == model.PaymentPending {
			pending = append(pending, p)
		}
	}
	require.Len(t, pending, 2)
	assert.True(t, now.Equal(pending[0].DueDate), "first due date %s", pending[0].DueDate)
	assert.True(t, now.AddDate(0, 1, 0).Equal(pending[1].DueDate))
}

func TestDataClient_SaveUnknownStudent(t *testing.T) {
	f := newClientFixture(t)
	_, err := f.client.SaveStudent(context.Background(), model.User{ID: "missing", Name: "X", PlanID: "p1", PlanDurationMonths: 1})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	payments, err := f.client.GetPayments(context.Background(), "missing", true)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestDataClient_SaveStudentValidates(t *testing.T) {
	f := newClientFixture(t)
	_, err := f.client.SaveStudent(context.Background(), model.User{Email: "not-an-email"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestDataClient_UpdatePaymentStatus(t *testing.T) {
	f := newClientFixture(t)
	f.store.Seed(model.CollectionPayments,
		model.Payment{ID: "p1", StudentID: "s1", Amount: 140, Status: model.PaymentPending, DueDate: date(2024, 10, 15)}.Record(),
	)
	ctx := context.Background()

	paid, err := f.client.UpdatePaymentStatus(ctx, "p1", model.PaymentPaid, "cash")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.True(t, f.clock.Now().Equal(*paid.PaidAt))
	assert.Equal(t, "cash", paid.Method)

	reopened, err := f.client.UpdatePaymentStatus(ctx, "p1", model.PaymentPending, "")
	require.NoError(t, err)
	assert.Nil(t, reopened.PaidAt)

	_, err = f.client.UpdatePaymentStatus(ctx, "p1", model.PaymentStatus("REFUNDED"), "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidPaymentStatus)

	_, err = f.client.UpdatePaymentStatus(ctx, "missing", model.PaymentPaid, "")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDataClient_MarkOverduePayments(t *testing.T) {
	f := newClientFixture(t)
	f.store.Seed(model.CollectionPayments,
		model.Payment{ID: "late", StudentID: "s1", Status: model.PaymentPending, DueDate: date(2024, 10, 1)}.Record(),
		model.Payment{ID: "today", StudentID: "s1", Status: model.PaymentPending, DueDate: date(2024, 10, 15)}.Record(),
		model.Payment{ID: "paid", StudentID: "s1", Status: model.PaymentPaid, DueDate: date(2024, 9, 1)}.Record(),
	)
	ctx := context.Background()

	n, err := f.client.MarkOverduePayments(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	payments, err := f.client.GetPayments(ctx, "s1", false)
	require.NoError(t, err)
	status := make(map[string]model.PaymentStatus)
	for _, p := range payments {
		status[p.ID] = p.Status
	}
	assert.Equal(t, model.PaymentOverdue, status["late"])
	assert.Equal(t, model.PaymentPending, status["today"])
	assert.Equal(t, model.PaymentPaid, status["paid"])
}

func TestDataClient_GenerateBillingScheduleZeroDuration(t *testing.T) {
	f := newClientFixture(t)
	created, err := f.client.GenerateBillingSchedule(context.Background(), "s1", 150, 0, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestDataClient_RecordAttendanceStampsTime(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	a, err := f.client.RecordAttendance(ctx, model.Attendance{ClassID: "c1", StudentID: "s1"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.True(t, f.clock.Now().Equal(a.CheckedInAt))

	list, err := f.client.GetAttendance(ctx, "c1", false)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.client.RecordAttendance(ctx, model.Attendance{StudentID: "s1"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestDataClient_SaveClassAndAssessment(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	c, err := f.client.SaveClass(ctx, model.Class{Name: "Pilates", Weekday: 2, StartTime: "07:00", Capacity: 8})
	require.NoError(t, err)
	c.Capacity = 10
	updated, err := f.client.SaveClass(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, c.ID, updated.ID)
	assert.Equal(t, 10, updated.Capacity)

	classes, err := f.client.GetClasses(ctx, false)
	require.NoError(t, err)
	assert.Len(t, classes, 1)

	_, err = f.client.SaveAssessment(ctx, model.Assessment{StudentID: "s1", Date: date(2024, 10, 1), WeightKg: 61.5})
	require.NoError(t, err)
	assessments, err := f.client.GetAssessments(ctx, "s1", false)
	require.NoError(t, err)
	require.Len(t, assessments, 1)
	assert.Equal(t, 61.5, assessments[0].WeightKg)
}

func TestDataClient_DeleteUser(t *testing.T) {
	f := newClientFixture(t)
	f.store.Seed(model.CollectionUsers, model.User{ID: "u1", Name: "Ana"}.Record())
	ctx := context.Background()

	_, err := f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)
	require.NoError(t, f.client.DeleteUser(ctx, "u1"))

	users, err := f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, users)

	assert.True(t, apperrors.IsNotFound(f.client.DeleteUser(ctx, "u1")))
}

func TestDataClient_RemoteChangeReachesListener(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	var got atomic.Value
	unsub, err := f.client.Subscribe(ctx, func(c model.Collection) { got.Store(c) })
	require.NoError(t, err)
	defer unsub()

	_, err = f.client.GetAllUsers(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, f.cache.Len())

	// A write from another client goes straight to the store.
	_, err = f.store.InsertRecord(ctx, model.CollectionUsers, model.User{Name: "Caio"}.Record())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		c, ok := got.Load().(model.Collection)
		return ok && c == model.CollectionUsers
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.cache.Len())
}
