package handler

import (
	"net/http"

	"github.com/neboloop/keeper/internal/httputil"
	"github.com/neboloop/keeper/internal/svc"
	"github.com/neboloop/keeper/internal/types"
)

// RotateHandler asks the loop to rotate the browser session now
// instead of waiting for the schedule.
func RotateHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svcCtx.Keeper.RequestRotate(); err != nil {
			writeActionError(w, err)
			return
		}
		httputil.Accepted(w, &types.ActionResponse{Accepted: true, Action: "rotate"})
	}
}
