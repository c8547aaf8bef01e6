package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はデータベースの疎通確認インターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

const healthPingTimeout = 2 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// NewHealthHandler はヘルスチェックのハンドラーを返す。
// 永続ストアが使えなくてもキャッシュのみで処理を続けるため、DB障害時もstatusはdegradedで200を返す。
// GET /health
func NewHealthHandler(db HealthChecker, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Database: "ok"}
		if db == nil {
			resp.Database = "disabled"
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				logger.Warn("health check database ping failed", slog.String("error", err.Error()))
				resp.Status = "degraded"
				resp.Database = "unavailable"
			}
		}
		writeJSON(w, logger, http.StatusOK, resp)
	}
}
