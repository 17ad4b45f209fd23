package attendance

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rollcall/internal/proximity"
	"rollcall/internal/token"
)

var (
	checkinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_checkins_total",
		Help: "Recorded check-ins by resolved status.",
	}, []string{"status"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_checkin_rejections_total",
		Help: "Rejected check-in attempts by reason.",
	}, []string{"reason"})

	sweptAbsent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_swept_absent_total",
		Help: "Absent records written by the sweeper.",
	})
)

func observeRejection(err error) {
	reason := "other"
	var tooFar *proximity.TooFarError
	switch {
	case errors.Is(err, token.ErrNotFound):
		reason = "token_not_found"
	case errors.Is(err, token.ErrExpired):
		reason = "token_expired"
	case errors.Is(err, token.ErrInvalidated):
		reason = "token_invalidated"
	case errors.Is(err, proximity.ErrLocationRequired):
		reason = "location_required"
	case errors.As(err, &tooFar):
		reason = "too_far"
	case errors.Is(err, ErrNotEnrolled):
		reason = "not_enrolled"
	case errors.Is(err, ErrFaceMismatch):
		reason = "face_mismatch"
	}
	rejectionsTotal.WithLabelValues(reason).Inc()
}
