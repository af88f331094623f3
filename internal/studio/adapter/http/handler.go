package http

import (
	"context"
	"time"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/shared/logger"
	"studio-core/internal/shared/validation"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"
	"studio-core/internal/studio/usecase"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// DataService is the part of the data client the REST API drives.
type DataService interface {
	GetAllUsers(ctx context.Context, force bool) ([]model.User, error)
	GetPayments(ctx context.Context, studentID string, force bool) ([]model.Payment, error)
	GetPlans(ctx context.Context, force bool) ([]model.Plan, error)
	GetClasses(ctx context.Context, force bool) ([]model.Class, error)
	GetAssessments(ctx context.Context, studentID string, force bool) ([]model.Assessment, error)
	GetAttendance(ctx context.Context, classID string, force bool) ([]model.Attendance, error)
	SaveStudent(ctx context.Context, next model.User) (model.User, error)
	DeleteUser(ctx context.Context, id string) error
	GenerateBillingSchedule(ctx context.Context, studentID string, planValue, planDiscount float64, durationMonths int, startDate *time.Time) ([]model.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, status model.PaymentStatus, method string) (model.Payment, error)
	MarkOverduePayments(ctx context.Context, asOf time.Time) (int, error)
	RecordAttendance(ctx context.Context, a model.Attendance) (model.Attendance, error)
	SaveAssessment(ctx context.Context, a model.Assessment) (model.Assessment, error)
	SaveClass(ctx context.Context, c model.Class) (model.Class, error)
}

var _ DataService = (*usecase.DataClient)(nil)

// StudioHandler serves the studio REST API.
type StudioHandler struct {
	data  DataService
	store repository.Pinger
	auth  *AuthMiddleware
	log   logger.Logger
}

// NewStudioHandler creates the handler. store may be nil when the backend
// cannot report connectivity.
func NewStudioHandler(data DataService, store repository.Pinger, auth *AuthMiddleware, log logger.Logger) *StudioHandler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if auth == nil {
		auth = NewAuthMiddleware("", log)
	}
	return &StudioHandler{data: data, store: store, auth: auth, log: log.WithComponent("http")}
}

// SaveStudentRequest wraps the student being created or edited.
type SaveStudentRequest struct {
	Student model.User `json:"student"`
}

// PaymentStatusRequest reconciles a payment.
type PaymentStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Method string `json:"method"`
}

// OverdueSweepRequest runs the overdue sweep as of a given instant; the
// server clock is used when AsOf is missing.
type OverdueSweepRequest struct {
	AsOf *time.Time `json:"as_of"`
}

// RegisterRoutes mounts the health check and the /api/v1 group.
func (h *StudioHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/health", h.Health)

	api := router.Group("/api/v1", h.auth.RequestID(), withRequestContext, h.auth.Protect())
	writer := h.auth.RequireRole(model.RoleAdmin, model.RoleStaff)

	api.Get("/users", h.ListUsers)
	api.Get("/plans", h.ListPlans)
	api.Get("/classes", h.ListClasses)
	api.Get("/payments", h.ListPayments)
	api.Get("/assessments", h.ListAssessments)
	api.Get("/attendance", h.ListAttendance)

	api.Post("/students", writer, h.CreateStudent)
	api.Put("/students/:id", writer, h.UpdateStudent)
	api.Post("/students/:id/billing-schedule", writer, h.GenerateBillingSchedule)
	api.Delete("/users/:id", writer, h.DeleteUser)
	api.Patch("/payments/:id/status", writer, h.UpdatePaymentStatus)
	api.Post("/payments/overdue-sweep", writer, h.MarkOverduePayments)
	api.Post("/attendance", writer, h.RecordAttendance)
	api.Post("/assessments", writer, h.SaveAssessment)
	api.Post("/classes", writer, h.SaveClass)
}

// Health reports whether the store is reachable.
func (h *StudioHandler) Health(c *fiber.Ctx) error {
	if h.store != nil {
		if err := h.store.Ping(c.UserContext()); err != nil {
			h.log.Warn("Health check failed", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *StudioHandler) ListUsers(c *fiber.Ctx) error {
	users, err := h.data.GetAllUsers(c.UserContext(), c.QueryBool("force"))
	return h.respond(c, users, err)
}

func (h *StudioHandler) ListPlans(c *fiber.Ctx) error {
	plans, err := h.data.GetPlans(c.UserContext(), c.QueryBool("force"))
	return h.respond(c, plans, err)
}

func (h *StudioHandler) ListClasses(c *fiber.Ctx) error {
	classes, err := h.data.GetClasses(c.UserContext(), c.QueryBool("force"))
	return h.respond(c, classes, err)
}

func (h *StudioHandler) ListPayments(c *fiber.Ctx) error {
	payments, err := h.data.GetPayments(c.UserContext(), c.Query("studentId"), c.QueryBool("force"))
	return h.respond(c, payments, err)
}

func (h *StudioHandler) ListAssessments(c *fiber.Ctx) error {
	assessments, err := h.data.GetAssessments(c.UserContext(), c.Query("studentId"), c.QueryBool("force"))
	return h.respond(c, assessments, err)
}

func (h *StudioHandler) ListAttendance(c *fiber.Ctx) error {
	attendance, err := h.data.GetAttendance(c.UserContext(), c.Query("classId"), c.QueryBool("force"))
	return h.respond(c, attendance, err)
}

// CreateStudent registers a new student.
func (h *StudioHandler) CreateStudent(c *fiber.Ctx) error {
	var req SaveStudentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.Student.ID = ""
	user, err := h.data.SaveStudent(c.UserContext(), req.Student)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

// UpdateStudent saves an edited student. The path id wins over any id in
// the body, and the plan comparison runs against the stored record.
func (h *StudioHandler) UpdateStudent(c *fiber.Ctx) error {
	var req SaveStudentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.Student.ID = c.Params("id")
	user, err := h.data.SaveStudent(c.UserContext(), req.Student)
	return h.respond(c, user, err)
}

// GenerateBillingSchedule regenerates a student's pending payments.
func (h *StudioHandler) GenerateBillingSchedule(c *fiber.Ctx) error {
	var terms usecase.PlanTerms
	if err := c.BodyParser(&terms); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validation.Struct(terms); err != nil {
		return h.fail(c, err)
	}
	payments, err := h.data.GenerateBillingSchedule(c.UserContext(), c.Params("id"),
		terms.Value, terms.Discount, terms.DurationMonths, terms.StartDate)
	if err != nil {
		return h.fail(c, err)
	}
	if payments == nil {
		payments = []model.Payment{}
	}
	return c.Status(fiber.StatusCreated).JSON(payments)
}

func (h *StudioHandler) DeleteUser(c *fiber.Ctx) error {
	if err := h.data.DeleteUser(c.UserContext(), c.Params("id")); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// UpdatePaymentStatus marks a payment PAID, PENDING or OVERDUE.
func (h *StudioHandler) UpdatePaymentStatus(c *fiber.Ctx) error {
	var req PaymentStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validation.Struct(req); err != nil {
		return h.fail(c, err)
	}
	status, err := model.ParsePaymentStatus(req.Status)
	if err != nil {
		return badRequest(c, err.Error())
	}
	payment, err := h.data.UpdatePaymentStatus(c.UserContext(), c.Params("id"), status, req.Method)
	return h.respond(c, payment, err)
}

func (h *StudioHandler) MarkOverduePayments(c *fiber.Ctx) error {
	var req OverdueSweepRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	asOf := time.Now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}
	n, err := h.data.MarkOverduePayments(c.UserContext(), asOf)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"updated": n})
}

func (h *StudioHandler) RecordAttendance(c *fiber.Ctx) error {
	var a model.Attendance
	if err := c.BodyParser(&a); err != nil {
		return badRequest(c, "invalid request body")
	}
	saved, err := h.data.RecordAttendance(c.UserContext(), a)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(saved)
}

func (h *StudioHandler) SaveAssessment(c *fiber.Ctx) error {
	var a model.Assessment
	if err := c.BodyParser(&a); err != nil {
		return badRequest(c, "invalid request body")
	}
	saved, err := h.data.SaveAssessment(c.UserContext(), a)
	return h.respond(c, saved, err)
}

func (h *StudioHandler) SaveClass(c *fiber.Ctx) error {
	var class model.Class
	if err := c.BodyParser(&class); err != nil {
		return badRequest(c, "invalid request body")
	}
	saved, err := h.data.SaveClass(c.UserContext(), class)
	return h.respond(c, saved, err)
}

func (h *StudioHandler) respond(c *fiber.Ctx, body interface{}, err error) error {
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(body)
}

func (h *StudioHandler) fail(c *fiber.Ctx, err error) error {
	log := h.log.WithContext(c.UserContext())
	if status := apperrors.HTTPStatus(err); status >= fiber.StatusInternalServerError {
		log.Error("Request failed", zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Error(err))
	} else {
		log.Debug("Request rejected", zap.String("path", c.Path()), zap.Error(err))
	}
	return writeError(c, err)
}
