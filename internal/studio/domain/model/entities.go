package model

import "time"

// UserRole gates what an operator may do.
type UserRole string

const (
	RoleAdmin   UserRole = "admin"
	RoleStaff   UserRole = "staff"
	RoleStudent UserRole = "student"
)

// FieldPlanStartDate holds a student's plan start; absent means "from now".
const FieldPlanStartDate = "plan_start_date"

// User is a registered person: operator or student. Students carry a snapshot
// of the plan they were assigned.
type User struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name" validate:"required"`
	Email              string     `json:"email,omitempty" validate:"omitempty,email"`
	Phone              string     `json:"phone,omitempty"`
	Role               UserRole   `json:"role,omitempty" validate:"omitempty,oneof=admin staff student"`
	Status             string     `json:"status,omitempty"`
	PlanID             string     `json:"plan_id,omitempty"`
	PlanValue          float64    `json:"plan_value,omitempty" validate:"gte=0"`
	PlanDiscount       float64    `json:"plan_discount,omitempty" validate:"gte=0"`
	PlanDurationMonths int        `json:"plan_duration_months,omitempty" validate:"gte=0"`
	PlanStartDate      *time.Time `json:"plan_start_date,omitempty"`
	CreatedAt          time.Time  `json:"created_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at,omitempty"`
}

// Record converts the user into its stored form.
func (u User) Record() Record {
	rec := Record{
		FieldID:                u.ID,
		"name":                 u.Name,
		"email":                u.Email,
		"phone":                u.Phone,
		"role":                 string(u.Role),
		"status":               u.Status,
		"plan_id":              u.PlanID,
		"plan_value":           u.PlanValue,
		"plan_discount":        u.PlanDiscount,
		"plan_duration_months": u.PlanDurationMonths,
		"created_at":           u.CreatedAt,
		"updated_at":           u.UpdatedAt,
	}
	if u.PlanStartDate != nil {
		rec[FieldPlanStartDate] = *u.PlanStartDate
	}
	return rec
}

// Plan is a sellable membership.
type Plan struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Price          float64 `json:"price"`
	DurationMonths int     `json:"duration_months"`
	Active         bool    `json:"active"`
}

// Class is a recurring scheduled session.
type Class struct {
	ID           string `json:"id"`
	Name         string `json:"name" validate:"required"`
	InstructorID string `json:"instructor_id,omitempty"`
	Weekday      int    `json:"weekday" validate:"gte=0,lte=6"`
	StartTime    string `json:"start_time,omitempty"`
	Capacity     int    `json:"capacity,omitempty" validate:"gte=0"`
}

// Record converts the class into its stored form.
func (c Class) Record() Record {
	return Record{
		FieldID:         c.ID,
		"name":          c.Name,
		"instructor_id": c.InstructorID,
		"weekday":       c.Weekday,
		"start_time":    c.StartTime,
		"capacity":      c.Capacity,
	}
}

// Assessment is a physical evaluation of a student.
type Assessment struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id" validate:"required"`
	Date      time.Time `json:"date" validate:"required"`
	WeightKg  float64   `json:"weight_kg,omitempty" validate:"gte=0"`
	HeightCm  float64   `json:"height_cm,omitempty" validate:"gte=0"`
	BodyFat   float64   `json:"body_fat,omitempty" validate:"gte=0,lte=100"`
	Notes     string    `json:"notes,omitempty"`
}

// Record converts the assessment into its stored form.
func (a Assessment) Record() Record {
	return Record{
		FieldID:      a.ID,
		"student_id": a.StudentID,
		"date":       a.Date,
		"weight_kg":  a.WeightKg,
		"height_cm":  a.HeightCm,
		"body_fat":   a.BodyFat,
		"notes":      a.Notes,
	}
}

// Attendance marks a student's presence in a class on a date.
type Attendance struct {
	ID          string    `json:"id"`
	ClassID     string    `json:"class_id" validate:"required"`
	StudentID   string    `json:"student_id" validate:"required"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

// Record converts the attendance entry into its stored form.
func (a Attendance) Record() Record {
	return Record{
		FieldID:         a.ID,
		"class_id":      a.ClassID,
		"student_id":    a.StudentID,
		"checked_in_at": a.CheckedInAt,
	}
}
