package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/timanema/hostblock/pkg/storage"
)

func (s *Server) writeError(err error, w http.ResponseWriter, code int) {
	w.WriteHeader(code)
	fmt.Fprintf(w, "%v %v, %v", code, http.StatusText(code), err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", code, "error", err)
	} else {
		s.log.Debug("request rejected", "status", code, "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter) {
	res := struct {
		Success bool `json:"success"`
	}{
		Success: true,
	}

	s.writeJSON(w, res)
}

// errorCode maps store errors to a status code.
func errorCode(err error) int {
	switch {
	case errors.Is(err, storage.NotFoundErr):
		return http.StatusNotFound
	case errors.Is(err, storage.InvalidRecordErr), errors.Is(err, storage.FieldOverflowErr), errors.Is(err, storage.ListConflictErr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func addressVar(r *http.Request) (string, error) {
	ip := mux.Vars(r)["ip"]
	if net.ParseIP(ip) == nil {
		return "", errors.Errorf("%q is not a valid IP address", ip)
	}
	return ip, nil
}

func (s *Server) listAddresses(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.Addresses())
}

func (s *Server) getAddress(w http.ResponseWriter, r *http.Request) {
	ip, err := addressVar(r)
	if err != nil {
		s.writeError(err, w, http.StatusBadRequest)
		return
	}

	a, err := s.store.Address(ip)
	if err != nil {
		s.writeError(errors.Wrapf(err, "address %v", ip), w, errorCode(err))
		return
	}

	s.writeJSON(w, a)
}

func (s *Server) forgetAddress(w http.ResponseWriter, r *http.Request) {
	ip, err := addressVar(r)
	if err != nil {
		s.writeError(err, w, http.StatusBadRequest)
		return
	}

	if err := s.blocker.Forget(ip); err != nil {
		s.writeError(err, w, errorCode(err))
		return
	}

	s.writeSuccess(w)
}

func (s *Server) whitelist(w http.ResponseWriter, r *http.Request) {
	s.setList(w, r, s.blocker.Whitelist)
}

func (s *Server) blacklist(w http.ResponseWriter, r *http.Request) {
	s.setList(w, r, s.blocker.Blacklist)
}

func (s *Server) setList(w http.ResponseWriter, r *http.Request, fn func(string) (storage.SuspiciousAddress, error)) {
	ip, err := addressVar(r)
	if err != nil {
		s.writeError(err, w, http.StatusBadRequest)
		return
	}

	a, err := fn(ip)
	if err != nil {
		s.writeError(err, w, errorCode(err))
		return
	}

	s.writeJSON(w, a)
}

func (s *Server) listFiles(w http.ResponseWriter, _ *http.Request) {
	type file struct {
		Path     string `json:"path"`
		Bookmark uint64 `json:"bookmark"`
		Size     uint64 `json:"size"`
	}

	files := s.store.Files()
	res := make([]file, 0, len(files))
	for _, f := range files {
		res = append(res, file{Path: f.Path, Bookmark: f.Bookmark, Size: f.Size})
	}

	s.writeJSON(w, res)
}

func (s *Server) compact(w http.ResponseWriter, _ *http.Request) {
	if err := s.store.Save(); err != nil {
		s.writeError(err, w, http.StatusInternalServerError)
		return
	}

	s.writeSuccess(w)
}

func (s *Server) getPolicy(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.blocker.Policy())
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	policy := s.blocker.Policy()
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		s.writeError(err, w, http.StatusBadRequest)
		return
	}
	if policy.BlockScore == 0 {
		s.writeError(errors.New("block score must be at least 1"), w, http.StatusBadRequest)
		return
	}

	s.blocker.UpdatePolicy(policy)
	s.writeJSON(w, policy)
}
