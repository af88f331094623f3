package contextkeys

// contextKey is an unexported type to prevent collisions with context keys defined in
// other packages.
type contextKey string

// String makes contextKey satisfy the Stringer interface to assist with debugging.
func (c contextKey) String() string {
	return "studio-core context key " + string(c)
}

// RequestIDKey carries the per-request correlation id.
const RequestIDKey = contextKey("requestID")

// UserIDKey carries the authenticated operator's id.
const UserIDKey = contextKey("userID")

// RoleKey carries the authenticated operator's role (admin, staff, student).
const RoleKey = contextKey("role")

// StudentIDKey carries the student an operation is scoped to.
const StudentIDKey = contextKey("studentID")

// ComponentKey and OperationKey are used by the logger to tag entries.
const (
	ComponentKey = contextKey("component")
	OperationKey = contextKey("operation")
)
