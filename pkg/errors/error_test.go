package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordsOrigin(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "gate.min_rows must be positive")

	assert.Equal(t, ErrCodeConfigInvalid, err.Code)
	assert.Equal(t, "gate.min_rows must be positive", err.Message)
	assert.NotNil(t, err.Context)
	assert.False(t, err.Retryable)
	assert.True(t, strings.HasPrefix(err.Origin, "error_test.go:"), "origin=%q", err.Origin)
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeBudgetExceeded, "stage %s exceeded %d tokens", "analysis", 4000)
	assert.Equal(t, "stage analysis exceeded 4000 tokens", err.Message)
}

func TestWrap(t *testing.T) {
	disk := stderrors.New("disk full")
	err := Wrap(disk, ErrCodeStorageWrite, "persist conversation record")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, disk)
	assert.Equal(t, "[STORAGE_WRITE] persist conversation record: disk full", err.Error())
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "nothing"))
}

func TestErrorContextRendering(t *testing.T) {
	err := New(ErrCodeStageFailed, "stage failed").
		WithContext("stage", "analysis").
		WithContext("attempt", 3).
		WithContext("budget", 1000)

	want := "[STAGE_FAILED] stage failed {attempt: 3, budget: 1000, stage: analysis}"
	for i := 0; i < 5; i++ {
		assert.Equal(t, want, err.Error())
	}

	var zero Error
	zero.WithContext("runner", "toy_1")
	assert.Equal(t, "toy_1", zero.Context["runner"])
}

func TestCodeLookupThroughWrapping(t *testing.T) {
	inner := New(ErrCodeContractViolation, "missing field status").WithRetryable(true)
	wrapped := fmt.Errorf("stage experiment_plan: %w", inner)

	tests := []struct {
		name      string
		err       error
		code      ErrorCode
		isCode    bool
		retryable bool
		getCode   ErrorCode
	}{
		{name: "direct", err: inner, code: ErrCodeContractViolation, isCode: true, retryable: true, getCode: ErrCodeContractViolation},
		{name: "fmt wrapped", err: wrapped, code: ErrCodeContractViolation, isCode: true, retryable: true, getCode: ErrCodeContractViolation},
		{name: "other code", err: inner, code: ErrCodeModelTimeout, isCode: false, retryable: true, getCode: ErrCodeContractViolation},
		{name: "plain", err: stderrors.New("boom"), code: ErrCodeInternal, isCode: false, retryable: false, getCode: ErrCodeInternal},
		{name: "nil", err: nil, code: ErrCodeInternal, isCode: false, retryable: false, getCode: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.isCode, IsCode(tt.err, tt.code))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.getCode, GetCode(tt.err))
		})
	}
}

func TestOutermostCodeWins(t *testing.T) {
	inner := New(ErrCodeContractViolation, "bad plan")
	outer := Wrap(inner, ErrCodeStageFailed, "stage failed")

	e, ok := As(outer)
	require.True(t, ok)
	assert.Equal(t, ErrCodeStageFailed, e.Code)
	assert.False(t, IsCode(outer, ErrCodeContractViolation))
}

func TestUserMessage(t *testing.T) {
	inner := New(ErrCodeInterpreterMissing, "python3 not found").
		WithUserMessage("Python is required to run experiment scripts")
	outer := Wrap(inner, ErrCodeExecutionFailed, "runner toy_1")

	assert.Equal(t, "Python is required to run experiment scripts", UserMessage(outer))
	assert.Equal(t, "boom", UserMessage(stderrors.New("boom")))
	assert.Equal(t, "", UserMessage(nil))
}
