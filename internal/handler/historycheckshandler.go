package handler

import (
	"net/http"

	"github.com/neboloop/keeper/internal/history"
	"github.com/neboloop/keeper/internal/httputil"
	"github.com/neboloop/keeper/internal/svc"
	"github.com/neboloop/keeper/internal/types"
)

const historyLimitCap = 500

// HistoryChecksHandler lists recent check results, newest first.
func HistoryChecksHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.History == nil {
			httputil.NotFound(w, "history is disabled")
			return
		}
		limit := clampLimit(httputil.QueryInt(r, "limit", 50))
		recs, err := svcCtx.History.RecentChecks(r.Context(), limit)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		if recs == nil {
			recs = []history.CheckRecord{}
		}
		httputil.OkJSON(w, &types.HistoryChecksResponse{Checks: recs})
	}
}

func clampLimit(n int) int {
	if n <= 0 {
		return 50
	}
	if n > historyLimitCap {
		return historyLimitCap
	}
	return n
}
