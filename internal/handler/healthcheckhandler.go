package handler

import (
	"net/http"
	"time"

	"github.com/neboloop/keeper/internal/httputil"
	"github.com/neboloop/keeper/internal/svc"
	"github.com/neboloop/keeper/internal/types"
)

// HealthCheckHandler reports connectivity health. The answer is
// "unhealthy" with a 503 exactly when the consecutive-failure streak
// exceeds the configured threshold.
func HealthCheckHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := svcCtx.Keeper.Snapshot()

		resp := &types.HealthResponse{
			Status:    "healthy",
			Connected: snap.Connected,
			Version:   svcCtx.Version,
		}
		if !snap.LastCheck.IsZero() {
			resp.LastCheck = snap.LastCheck.UTC().Format(time.RFC3339)
		}

		if snap.ConsecutiveFailures > svcCtx.Keeper.UnhealthyThreshold() {
			resp.Status = "unhealthy"
			httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		httputil.OkJSON(w, resp)
	}
}
