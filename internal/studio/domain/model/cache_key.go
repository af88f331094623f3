package model

type keyKind uint8

const (
	kindAllUsers keyKind = iota + 1
	kindAllPlans
	kindAllClasses
	kindAllPayments
	kindPaymentsFor
	kindAllAssessments
	kindAssessmentsFor
	kindAllAttendance
	kindAttendanceFor
)

// CacheKey identifies one logical read query. Keys are only built through the
// constructors below; two keys are equal only when they describe the same
// query, whatever the parameter values look like.
type CacheKey struct {
	kind  keyKind
	param string
}

func AllUsersKey() CacheKey       { return CacheKey{kind: kindAllUsers} }
func AllPlansKey() CacheKey       { return CacheKey{kind: kindAllPlans} }
func AllClassesKey() CacheKey     { return CacheKey{kind: kindAllClasses} }
func AllPaymentsKey() CacheKey    { return CacheKey{kind: kindAllPayments} }
func AllAssessmentsKey() CacheKey { return CacheKey{kind: kindAllAssessments} }
func AllAttendanceKey() CacheKey  { return CacheKey{kind: kindAllAttendance} }

// PaymentsForKey scopes the payments read to one student.
func PaymentsForKey(studentID string) CacheKey {
	return CacheKey{kind: kindPaymentsFor, param: studentID}
}

// AssessmentsForKey scopes the assessments read to one student.
func AssessmentsForKey(studentID string) CacheKey {
	return CacheKey{kind: kindAssessmentsFor, param: studentID}
}

// AttendanceForKey scopes the attendance read to one class.
func AttendanceForKey(classID string) CacheKey {
	return CacheKey{kind: kindAttendanceFor, param: classID}
}

// String renders the key in its readable form, e.g. "users", "payments_all"
// or "payments_<studentId>". It is for logs only; the key itself is the map
// identity.
func (k CacheKey) String() string {
	switch k.kind {
	case kindAllUsers:
		return "users"
	case kindAllPlans:
		return "plans"
	case kindAllClasses:
		return "classes"
	case kindAllPayments:
		return "payments_all"
	case kindPaymentsFor:
		return "payments_" + k.param
	case kindAllAssessments:
		return "assessments_all"
	case kindAssessmentsFor:
		return "assessments_" + k.param
	case kindAllAttendance:
		return "attendance_all"
	case kindAttendanceFor:
		return "attendance_" + k.param
	default:
		return "invalid"
	}
}

// Collections lists the collections whose changes make this key stale.
func (k CacheKey) Collections() []Collection {
	switch k.kind {
	case kindAllUsers:
		return []Collection{CollectionUsers}
	case kindAllPlans:
		return []Collection{CollectionPlans}
	case kindAllClasses:
		return []Collection{CollectionClasses}
	case kindAllPayments, kindPaymentsFor:
		return []Collection{CollectionPayments}
	case kindAllAssessments, kindAssessmentsFor:
		return []Collection{CollectionAssessments}
	case kindAllAttendance, kindAttendanceFor:
		return []Collection{CollectionAttendance}
	default:
		return nil
	}
}

// DependsOn reports whether a change to c invalidates this key.
func (k CacheKey) DependsOn(c Collection) bool {
	for _, dep := range k.Collections() {
		if dep == c {
			return true
		}
	}
	return false
}
