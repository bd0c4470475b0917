package alertapi

import (
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alarm"
	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/postgres"
)

const maxAlarmBody = 64 << 10

func (a *API) handleIngestAlarm(w http.ResponseWriter, r *http.Request) {
	ctx := postgres.WithOrigin(r.Context(), "api ingest")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlarmBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxAlarmBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	ev, err := alarm.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("warden.event.id", ev.EventID),
		attribute.String("warden.event.state", string(ev.State)),
	)

	res, err := a.engine.Handle(ctx, ev)
	if err != nil {
		var verr *alarm.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, incident.ErrPersistence):
			a.logger.Error(ctx, err, "alarm not persisted", "event_id", ev.EventID, "principal", authmw.Principal(ctx))
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "incident store unavailable, retry")
		default:
			a.logger.Error(ctx, err, "alarm handling failed", "event_id", ev.EventID)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	span.SetAttributes(attribute.String("warden.outcome", string(res.Outcome)))
	writeJSON(w, http.StatusAccepted, res)
}
