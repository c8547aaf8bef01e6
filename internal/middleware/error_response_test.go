package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/chatauth/internal/model"
)

// 受信メッセージの拒否で返す本文の形を確認する。
func TestWriteErrorResponse_InvalidActivity(t *testing.T) {
	w := httptest.NewRecorder()

	apiErr := model.NewInvalidActivityError("from.id is required")

	WriteErrorResponse(w, http.StatusBadRequest, apiErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}

	if body.Code != model.ErrCodeInvalidActivity {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidActivity)
	}
	if body.Message != apiErr.Message {
		t.Errorf("message = %q, want %q", body.Message, apiErr.Message)
	}
	if body.Category != "validation" {
		t.Errorf("category = %q, want %q", body.Category, "validation")
	}
	if body.Action != apiErr.Action {
		t.Errorf("action = %q, want %q", body.Action, apiErr.Action)
	}
}

func TestWriteErrorResponse_DifferentStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		code       string
		category   string
	}{
		{"Unauthorized", http.StatusUnauthorized, model.ErrCodeUnauthorized, "auth"},
		{"BadRequest", http.StatusBadRequest, model.ErrCodeInvalidActivity, "validation"},
		{"NotFound", http.StatusNotFound, model.ErrCodeUserNotFound, "validation"},
		{"Gone", http.StatusGone, model.ErrCodeAuthTimedOut, "auth"},
		{"Internal", http.StatusInternalServerError, "INTERNAL_ERROR", "system"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			WriteErrorResponse(w, tt.statusCode, &model.APIError{
				Code:     tt.code,
				Message:  "test",
				Category: tt.category,
				Action:   "test action",
			})

			resp := w.Result()
			if resp.StatusCode != tt.statusCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.statusCode)
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}

			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if body.Category != tt.category {
				t.Errorf("category = %q, want %q", body.Category, tt.category)
			}
		})
	}
}

func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want %q", body.Code, "INTERNAL_ERROR")
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}

// 管理CLIがデコードするフィールドが揃っていることを確認する。
func TestErrorResponseBody_FieldsForAdminClient(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "CODE",
		Message:  "MSG",
		Category: "CAT",
		Action:   "ACT",
	})

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	requiredFields := []string{"code", "message", "category", "action"}
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}

func TestStatusFor_MapsChatauthErrors(t *testing.T) {
	tests := []struct {
		name   string
		apiErr *model.APIError
		want   int
	}{
		{"message body", model.NewInvalidActivityError("bad json"), http.StatusBadRequest},
		{"callback state", model.NewInvalidStateError(), http.StatusBadRequest},
		{"callback after attempt ended", model.NewAuthTimedOutError(), http.StatusGone},
		{"callback rejected", model.NewAuthFailedError(), http.StatusUnauthorized},
		{"admin token", model.NewUnauthorizedError(), http.StatusUnauthorized},
		{"admin unknown user", model.NewUserNotFoundError("u1"), http.StatusNotFound},
		{"unknown code", &model.APIError{Code: "SOMETHING_ELSE"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.apiErr); got != tt.want {
				t.Errorf("StatusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteAPIError_UsesMappedStatus(t *testing.T) {
	w := httptest.NewRecorder()

	WriteAPIError(w, model.NewUserNotFoundError("u1"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeUserNotFound {
		t.Errorf("code = %q", body.Code)
	}
}
