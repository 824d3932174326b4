package handler

import (
	"net/http"

	"github.com/neboloop/keeper/internal/history"
	"github.com/neboloop/keeper/internal/httputil"
	"github.com/neboloop/keeper/internal/svc"
	"github.com/neboloop/keeper/internal/types"
)

// HistoryAttemptsHandler lists recent recovery attempts, newest first.
func HistoryAttemptsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.History == nil {
			httputil.NotFound(w, "history is disabled")
			return
		}
		limit := clampLimit(httputil.QueryInt(r, "limit", 50))
		recs, err := svcCtx.History.RecentAttempts(r.Context(), limit)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		if recs == nil {
			recs = []history.AttemptRecord{}
		}
		httputil.OkJSON(w, &types.HistoryAttemptsResponse{Attempts: recs})
	}
}
