package handler

import (
	"net/http"

	"github.com/neboloop/keeper/internal/httputil"
	"github.com/neboloop/keeper/internal/svc"
	"github.com/neboloop/keeper/internal/types"
)

// StartWatchdogHandler resumes the watchdog loop. Idempotent: starting
// a running loop reports changed=false.
func StartWatchdogHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changed := svcCtx.StartKeeper()
		httputil.OkJSON(w, &types.ControlResponse{
			Running: svcCtx.Keeper.Running(),
			Changed: changed,
		})
	}
}
