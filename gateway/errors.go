package gateway

import (
	"errors"
	"net/http"

	"autorepayd/engine"
)

// writeError maps the engine error taxonomy onto HTTP statuses. Every
// entry is recoverable from the caller's perspective; nothing here is
// retried server-side.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrOperationInProgress),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrNothingToClaim),
		errors.Is(err, engine.ErrWriteReverted):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrWalletRejected):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrReadUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, engine.ErrInconsistentState):
		// Surfaced prominently: indexing lag or a genuine bug, never
		// papered over.
		status = http.StatusInternalServerError
	}
	s.writeStatus(w, status, err.Error())
}
