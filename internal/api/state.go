package api

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strconv"

	"github.com/nerrad567/gray-logic-comfortcloud/internal/bridges/comfortcloud"
)

// stateResponse is the body of GET /api/v1/state.
type stateResponse struct {
	State  comfortcloud.State           `json:"state"`
	Device *comfortcloud.DeviceIdentity `json:"device,omitempty"`
	Status comfortcloud.Status          `json:"status"`
}

// handleGetState returns the cached appliance state. It never reaches the
// cloud; 503 means the first poll has not completed.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.host.GetState()
	if !ok {
		writeUnavailable(w, "appliance state not yet available")
		return
	}

	resp := stateResponse{State: st, Status: s.host.Status()}
	if id, ok := s.host.Identity(); ok {
		resp.Device = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSetState writes each field in the body, e.g. {"mode":"heat","target_temperature":21}.
// Writes are applied in field-name order; accepted writes stay applied even
// when another field in the same body is refused.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(body) == 0 {
		writeBadRequest(w, "at least one field is required")
		return
	}

	accepted := []string{}
	rejected := map[string]string{}
	for _, field := range slices.Sorted(maps.Keys(body)) {
		s.host.SetValue(field, body[field], func(err error) {
			if err != nil {
				rejected[field] = err.Error()
				return
			}
			accepted = append(accepted, field)
		})
	}

	if len(rejected) > 0 {
		s.logger.Info("api write refused", "subject", subjectFrom(r.Context()), "rejected", rejected)
		writeJSON(w, http.StatusBadRequest, Error{
			Status:  http.StatusBadRequest,
			Code:    ErrCodeValidation,
			Message: "one or more fields were refused",
			Details: map[string]any{"accepted": accepted, "rejected": rejected},
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

// handleListCommands returns a page of the command log, newest first.
// Query parameters: status, limit, offset.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeUnavailable(w, "command log not configured")
		return
	}

	q := r.URL.Query()
	filter := comfortcloud.CommandFilter{Status: comfortcloud.CommandStatus(q.Get("status"))}
	switch filter.Status {
	case "", comfortcloud.CommandPending, comfortcloud.CommandConfirmed, comfortcloud.CommandFailed:
	default:
		writeBadRequest(w, "status must be pending, confirmed or failed")
		return
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	page, err := s.commands.ListCommands(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing commands", "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
