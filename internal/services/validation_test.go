package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

type creditGrantForm struct {
	AccountID   string `validate:"required"`
	Amount      int64  `validate:"required,gt=0"`
	PurchaseRef string `validate:"required,min=8"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		form := creditGrantForm{
			AccountID:   "acct-1",
			Amount:      20,
			PurchaseRef: "purchase-001",
		}
		assert.NoError(t, vh.ValidateStruct(&form))
	})

	t.Run("multiple violations are all reported", func(t *testing.T) {
		form := creditGrantForm{
			Amount:      -3,
			PurchaseRef: "short",
		}

		err := vh.ValidateStruct(&form)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 3)
	})

	t.Run("boundary amount", func(t *testing.T) {
		form := creditGrantForm{
			AccountID:   "acct-1",
			Amount:      0,
			PurchaseRef: "purchase-001",
		}

		err := vh.ValidateStruct(&form)
		assert.Error(t, err)
	})
}

func TestSendErrorResponse(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("plain error without details", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("validation failures include per-field details", func(t *testing.T) {
		form := creditGrantForm{Amount: -1, PurchaseRef: "short"}
		validationErr := vh.ValidateStruct(&form)
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Validation failed", response.Error)
		assert.Contains(t, response.Details, "AccountID")
		assert.Contains(t, response.Details, "Amount")
		assert.Contains(t, response.Details, "PurchaseRef")
	})

	t.Run("wrapped validation error still yields details", func(t *testing.T) {
		form := creditGrantForm{}
		wrapped := fmt.Errorf("request rejected: %w", vh.ValidateStruct(&form))

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, wrapped)

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.NotEmpty(t, response.Details)
	})

	t.Run("non-validation error produces no details", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Nope", http.StatusConflict, fmt.Errorf("some other failure"))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Nope", response.Error)
		assert.Nil(t, response.Details)
	})
}
