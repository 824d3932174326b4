package handler

import (
	"errors"
	"net/http"

	"github.com/neboloop/keeper/internal/httputil"
	"github.com/neboloop/keeper/internal/svc"
	"github.com/neboloop/keeper/internal/types"
	"github.com/neboloop/keeper/internal/watchdog"
)

// ForceCheckHandler asks the loop to run a check immediately. The
// request is queued, not performed inline, so the browser session
// stays owned by the loop.
func ForceCheckHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svcCtx.Keeper.RequestCheck(); err != nil {
			writeActionError(w, err)
			return
		}
		httputil.Accepted(w, &types.ActionResponse{Accepted: true, Action: "check"})
	}
}

func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, watchdog.ErrNotRunning):
		httputil.Conflict(w, "watchdog is not running")
	case errors.Is(err, watchdog.ErrBusy):
		httputil.Conflict(w, "an action is already pending")
	default:
		httputil.InternalError(w, err.Error())
	}
}
