package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ephemeral/internal/custody"
	"github.com/ksred/klear-ephemeral/internal/store"
	"github.com/ksred/klear-ephemeral/internal/types"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCustodyFailed     = "CUSTODY_FAILED"
)

// validationErrors are rejections of a single operation caused by its inputs
// or the trader's current holdings.
var validationErrors = []error{
	types.ErrInsufficientBaseFunds,
	types.ErrInsufficientQuoteFunds,
	types.ErrAlreadyMatched,
	types.ErrInvalidOrderIndex,
	types.ErrInvalidOrderType,
	types.ErrInvalidOrderOwner,
	types.ErrMismatchingOrders,
	types.ErrInvalidAsset,
	types.ErrInvalidAmount,
	types.ErrInvalidAttestation,
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, store.ErrNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, types.ErrUnknownTrader), errors.Is(err, types.ErrUnknownMarket):
		NotFound(c, err.Error())
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, types.ErrAlreadyExists):
		Conflict(c, "Resource already exists")
	case errors.Is(err, types.ErrAuthorityMismatch):
		Forbidden(c, err.Error())
	case errors.Is(err, types.ErrRecordBusy), errors.Is(err, types.ErrTransitionPending):
		Busy(c, err.Error())
	case errors.Is(err, custody.ErrTransferFailed), errors.Is(err, custody.ErrVaultUnderfunded):
		CustodyFailed(c, err.Error())
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDuplicateResource,
			Message: message,
		},
	})
}

// Busy sends a 409 response for records that are locked or changing owner;
// the caller is expected to retry
func Busy(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeConflict,
			Message: message,
		},
	})
}

// ValidationFailed sends a 400 response for a rejected operation
func ValidationFailed(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeValidationFailed,
			Message: message,
		},
	})
}

// CustodyFailed sends a 502 response when the token transfer was refused
// and no balance changed
func CustodyFailed(c *gin.Context, message string) {
	c.JSON(http.StatusBadGateway, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeCustodyFailed,
			Message: message,
		},
	})
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			ValidationFailed(c, err.Error())
			return
		}
	}

	// Default to internal server error
	InternalError(c, "An unexpected error occurred")
} 
