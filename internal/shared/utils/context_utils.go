package utils

import (
	"context"
	"errors"

	"studio-core/internal/shared/contextkeys"
)

// Common context errors
var (
	ErrUserIDNotFound     = errors.New("userID not found in context")
	ErrRoleNotFound       = errors.New("role not found in context")
	ErrRequestIDNotFound  = errors.New("requestID not found in context")
	ErrStudentIDNotFound  = errors.New("studentID not found in context")
	ErrContextValueNotStr = errors.New("context value is not a string")
)

func stringValue(ctx context.Context, key interface{}, missing error) (string, error) {
	val := ctx.Value(key)
	if val == nil {
		return "", missing
	}
	s, ok := val.(string)
	if !ok {
		return "", ErrContextValueNotStr
	}
	return s, nil
}

// GetUserIDFromContext retrieves the authenticated operator's id.
func GetUserIDFromContext(ctx context.Context) (string, error) {
	return stringValue(ctx, contextkeys.UserIDKey, ErrUserIDNotFound)
}

// GetRoleFromContext retrieves the authenticated operator's role.
func GetRoleFromContext(ctx context.Context) (string, error) {
	return stringValue(ctx, contextkeys.RoleKey, ErrRoleNotFound)
}

// GetRequestIDFromContext retrieves the request ID from the context.
func GetRequestIDFromContext(ctx context.Context) (string, error) {
	return stringValue(ctx, contextkeys.RequestIDKey, ErrRequestIDNotFound)
}

// GetStudentIDFromContext retrieves the student an operation is scoped to.
func GetStudentIDFromContext(ctx context.Context) (string, error) {
	return stringValue(ctx, contextkeys.StudentIDKey, ErrStudentIDNotFound)
}

// Context builder functions

// WithUserID adds user ID to context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextkeys.UserIDKey, userID)
}

// WithRole adds the operator role to context
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, contextkeys.RoleKey, role)
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextkeys.RequestIDKey, requestID)
}

// WithStudentID scopes ctx to a student
func WithStudentID(ctx context.Context, studentID string) context.Context {
	return context.WithValue(ctx, contextkeys.StudentIDKey, studentID)
}

// WithComponent adds component name to context
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, contextkeys.ComponentKey, component)
}

// WithOperation adds operation name to context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, contextkeys.OperationKey, operation)
}

// GetUserIDOrDefault retrieves the user ID from context or returns a default value
func GetUserIDOrDefault(ctx context.Context, def string) string {
	if v, err := GetUserIDFromContext(ctx); err == nil {
		return v
	}
	return def
}

func HasUserID(ctx context.Context) bool {
	_, err := GetUserIDFromContext(ctx)
	return err == nil
}
