package alertapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/rules"
)

type ruleSetView struct {
	Version  string    `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
	Rules    []string  `json:"rules"`
}

func viewOf(snap *rules.Snapshot) ruleSetView {
	v := ruleSetView{Rules: []string{}}
	if snap == nil {
		return v
	}
	v.Version = snap.Version()
	v.LoadedAt = snap.LoadedAt()
	for _, r := range snap.Rules() {
		v.Rules = append(v.Rules, r.Name)
	}
	return v
}

func (a *API) handleGetRules(w http.ResponseWriter, r *http.Request) {
	if a.rules == nil {
		writeError(w, http.StatusNotFound, "no rule store")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a.rules.Snapshot()))
}

func (a *API) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if a.rules == nil {
		writeError(w, http.StatusNotFound, "no rule store")
		return
	}
	ctx := r.Context()
	a.logger.Info(ctx, "rule reload requested", "principal", authmw.Principal(ctx))

	snap, err := a.rules.Reload(ctx)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":    "rule document rejected, previous rule set kept",
				"problems": verr.Problems,
				"current":  viewOf(snap),
			})
			return
		}
		a.logger.Error(ctx, err, "rule reload failed")
		writeError(w, http.StatusBadGateway, "rule source unavailable, previous rule set kept")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(snap))
}
