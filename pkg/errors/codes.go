package errors

// ErrorCode classifies a failure for exit codes, retry policy and metrics.
type ErrorCode string

const (
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	ErrCodeModelAPIError  ErrorCode = "MODEL_API_ERROR"
	ErrCodeModelTimeout   ErrorCode = "MODEL_TIMEOUT"
	ErrCodeModelRateLimit ErrorCode = "MODEL_RATE_LIMIT"

	ErrCodeBudgetExceeded    ErrorCode = "BUDGET_EXCEEDED"
	ErrCodeContractViolation ErrorCode = "CONTRACT_VIOLATION"
	ErrCodeStageFailed       ErrorCode = "STAGE_FAILED"

	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageLock    ErrorCode = "STORAGE_LOCK"
	ErrCodeStorageCorrupt ErrorCode = "STORAGE_CORRUPT"

	ErrCodeExecutionFailed    ErrorCode = "EXECUTION_FAILED"
	ErrCodeInterpreterMissing ErrorCode = "INTERPRETER_MISSING"
	ErrCodeDependencyInstall  ErrorCode = "DEPENDENCY_INSTALL"
	ErrCodeSandboxViolation   ErrorCode = "SANDBOX_VIOLATION"

	ErrCodeDatasetRejected ErrorCode = "DATASET_REJECTED"

	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)
