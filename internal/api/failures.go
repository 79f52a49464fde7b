package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/nerrad567/devicebus-core/internal/audit"
	"github.com/nerrad567/devicebus-core/internal/message"
)

// handleListFailures returns recorded pipeline failures, newest first.
//
// Query parameters: stage, device ("pid/did"), limit, offset.
func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	if s.failures == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "failure log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Stage:  message.Stage(strings.ToUpper(q.Get("stage"))),
		Device: q.Get("device"),
	}
	if filter.Stage != "" && !filter.Stage.Terminal() {
		writeBadRequest(w, "stage must be one of DECODE_FAILED, ROUTE_FAILED, INGEST_FAILED")
		return
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	result, err := s.failures.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list pipeline failures", "error", err)
		writeInternalError(w, "failed to list pipeline failures")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
