package model

import (
	"fmt"

	apperrors "studio-core/internal/shared/errors"
)

// Collection names a partition of records in the remote store.
type Collection string

const (
	CollectionUsers       Collection = "users"
	CollectionPlans       Collection = "plans"
	CollectionClasses     Collection = "classes"
	CollectionPayments    Collection = "payments"
	CollectionAssessments Collection = "assessments"
	CollectionAttendance  Collection = "attendance"
)

// AllCollections lists every collection the studio watches.
func AllCollections() []Collection {
	return []Collection{
		CollectionUsers,
		CollectionPlans,
		CollectionClasses,
		CollectionPayments,
		CollectionAssessments,
		CollectionAttendance,
	}
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	for _, known := range AllCollections() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCollection converts a raw name into a known Collection.
func ParseCollection(name string) (Collection, error) {
	c := Collection(name)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", apperrors.ErrUnknownCollection, name)
	}
	return c, nil
}
