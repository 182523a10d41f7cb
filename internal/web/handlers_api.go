package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"mower-go-home/internal/fleet"
	"mower-go-home/internal/store"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.st.ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	dev, err := s.st.GetDevice(serial)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type sendCommandRequest struct {
	Code int `json:"code"`
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	serial, ok := s.commandTarget(w, r)
	if !ok {
		return
	}

	var req sendCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.forwardCommand(w, serial, s.commander.SendCommand(serial, req.Code))
}

type partyModeRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAPIPartyMode(w http.ResponseWriter, r *http.Request) {
	serial, ok := s.commandTarget(w, r)
	if !ok {
		return
	}

	var req partyModeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.forwardCommand(w, serial, s.commander.SendPartyMode(serial, req.Enabled))
}

func (s *Server) handleAPIEdgeCut(w http.ResponseWriter, r *http.Request) {
	serial, ok := s.commandTarget(w, r)
	if !ok {
		return
	}
	s.forwardCommand(w, serial, s.commander.SendEdgeCut(serial))
}

type zonesRequest struct {
	Percentages []int `json:"percentages"`
}

func (s *Server) handleAPIZones(w http.ResponseWriter, r *http.Request) {
	serial, ok := s.commandTarget(w, r)
	if !ok {
		return
	}

	var req zonesRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Percentages) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "percentages must not be empty"})
		return
	}

	s.forwardCommand(w, serial, s.commander.SendZonePercentages(serial, req.Percentages))
}

// commandTarget resolves the serial of a command route and checks that
// command forwarding is wired and the device is known.
func (s *Server) commandTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.commander == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no cloud fleet configured"})
		return "", false
	}
	serial := r.PathValue("serial")
	if _, err := s.st.GetDevice(serial); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return "", false
		}
		s.logger.Error("get device", "err", err, "serial", serial)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return "", false
	}
	return serial, true
}

// forwardCommand maps a fleet command result onto an HTTP response. A
// rejection (offline mower, bad zone layout) is the client's fault, not
// the bridge's.
func (s *Server) forwardCommand(w http.ResponseWriter, serial string, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, fleet.ErrCommandRejected):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("send command", "err", err, "serial", serial)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) handleAPIGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "log capture disabled"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.logs.Entries())
}

func (s *Server) handleAPIDeleteLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "log capture disabled"})
		return
	}
	s.logs.Clear()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
