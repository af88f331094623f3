package validation

import (
	"reflect"
	"strings"
	"sync"

	apperrors "studio-core/internal/shared/errors"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// Validator returns the shared validator instance. Field errors are reported
// with their JSON names.
func Validator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Struct validates v and converts failures into a validation AppError whose
// details map each offending field to the failed rule.
func Struct(v interface{}) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.NewValidationError("validation failed").WithCause(err)
	}

	appErr := apperrors.NewValidationError("validation failed")
	for _, fe := range fieldErrs {
		appErr.WithDetail(fe.Field(), fe.Tag())
	}
	return appErr
}
