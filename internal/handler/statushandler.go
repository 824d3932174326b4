package handler

import (
	"net/http"

	"github.com/neboloop/keeper/internal/httputil"
	"github.com/neboloop/keeper/internal/svc"
	"github.com/neboloop/keeper/internal/types"
)

// StatusHandler serves the full session snapshot.
func StatusHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, &types.StatusResponse{
			Snapshot: svcCtx.Keeper.Snapshot(),
			Version:  svcCtx.Version,
		})
	}
}
