package handler

import (
	"net/http"

	"github.com/neboloop/keeper/internal/httputil"
	"github.com/neboloop/keeper/internal/svc"
	"github.com/neboloop/keeper/internal/types"
)

// StopWatchdogHandler halts the watchdog loop. Idempotent: stopping a
// halted loop reports changed=false.
func StopWatchdogHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changed := svcCtx.Keeper.Stop()
		httputil.OkJSON(w, &types.ControlResponse{
			Running: svcCtx.Keeper.Running(),
			Changed: changed,
		})
	}
}
