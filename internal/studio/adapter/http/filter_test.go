package http

import (
	"testing"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/studio/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterCompiler_Match(t *testing.T) {
	fc, err := NewFilterCompiler()
	require.NoError(t, err)

	tests := []struct {
		expr    string
		matches []model.Collection
		skips   []model.Collection
	}{
		{
			expr:    `collection == "payments"`,
			matches: []model.Collection{model.CollectionPayments},
			skips:   []model.Collection{model.CollectionUsers, model.CollectionClasses},
		},
		{
			expr:    `collection in ["users", "attendance"]`,
			matches: []model.Collection{model.CollectionUsers, model.CollectionAttendance},
			skips:   []model.Collection{model.CollectionPlans},
		},
		{
			expr:    `collection.startsWith("a")`,
			matches: []model.Collection{model.CollectionAssessments, model.CollectionAttendance},
			skips:   []model.Collection{model.CollectionPayments},
		},
		{
			expr:    `true`,
			matches: model.AllCollections(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := fc.Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.expr, f.String())
			for _, c := range tt.matches {
				assert.True(t, f.Match(c), c)
			}
			for _, c := range tt.skips {
				assert.False(t, f.Match(c), c)
			}
		})
	}
}

func TestFilterCompiler_Rejects(t *testing.T) {
	fc, err := NewFilterCompiler()
	require.NoError(t, err)

	for _, expr := range []string{
		`collection ==`,
		`collection + "x"`,
		`unknown == "users"`,
	} {
		_, err := fc.Compile(expr)
		assert.ErrorIs(t, err, apperrors.ErrInvalidFilter, expr)
	}
}

func TestChangeFilter_NilMatchesEverything(t *testing.T) {
	var f *ChangeFilter
	assert.True(t, f.Match(model.CollectionUsers))
}
