package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/chatauth/internal/model"
)

// ErrorResponseBody は受信エンドポイントと管理APIが返すエラー本文。
// 管理CLI(chatauth recover / diagnose)もこの形でデコードする。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はエラーコードごとのHTTPステータス。
// サインインのコールバックもIdP障害(502)以外はこの対応でHTMLページを返す。
var statusByCode = map[string]int{
	model.ErrCodeInvalidActivity: http.StatusBadRequest,
	model.ErrCodeInvalidState:    http.StatusBadRequest,
	model.ErrCodeUnauthorized:    http.StatusUnauthorized,
	model.ErrCodeAuthFailed:      http.StatusUnauthorized,
	model.ErrCodeUserNotFound:    http.StatusNotFound,
	model.ErrCodeAuthTimedOut:    http.StatusGone,
}

// StatusFor はAPIErrorに対応するHTTPステータスを返す。未知のコードは500。
func StatusFor(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteAPIError はStatusForのステータスでエラー本文を書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusFor(apiErr), apiErr)
}

// WriteErrorResponse は指定ステータスでエラー本文を書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// ヘッダー送信後の書き込み失敗は呼び出し元に返せない
	_ = json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は500を返す。原因はログにだけ残し、本文には含めない。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
