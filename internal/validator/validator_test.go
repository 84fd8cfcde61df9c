package validator

import (
	"testing"

	"github.com/gin-gonic/gin/binding"
	govalidator "github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-examsync/internal/model"
)

func engine(t *testing.T) *govalidator.Validate {
	t.Helper()
	Setup()
	v, ok := binding.Validator.Engine().(*govalidator.Validate)
	require.True(t, ok)
	return v
}

func TestViolationTypeRule(t *testing.T) {
	v := engine(t)

	ok := model.RecordViolationRequest{ViolationType: model.ViolationTabSwitch}
	assert.NoError(t, v.Struct(ok))

	bad := model.RecordViolationRequest{ViolationType: "screenshot"}
	err := v.Struct(bad)
	require.Error(t, err)

	fields := TranslateErrors(err)
	assert.Contains(t, fields["violation_type"], "tab_switch")
}

func TestSessionStateRule(t *testing.T) {
	v := engine(t)

	assert.NoError(t, v.Struct(model.TransitionSessionRequest{State: model.SessionStateInProgress}))

	err := v.Struct(model.TransitionSessionRequest{State: "PAUSED"})
	require.Error(t, err)
	assert.Contains(t, TranslateErrors(err), "state")
}

func TestHighlightOffsetsMustBeOrdered(t *testing.T) {
	v := engine(t)

	err := v.Struct(model.RecordHighlightRequest{PassageID: "p1", StartOffset: 10, EndOffset: 4, Text: "x"})
	require.Error(t, err)
	assert.Contains(t, TranslateErrors(err), "end_offset")
}
