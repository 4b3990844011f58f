package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/model"
)

// Application-level codes inside the response envelope. The client treats
// anything but model.CodeOK as failure.
const (
	codeBadRequest   = 4000
	codeUnauthorized = 4010
	codeForbidden    = 4030
	codeNotFound     = 4040
	codeInternal     = 5000
)

func writeEnvelope(w http.ResponseWriter, env model.Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(env.HTTPStatus)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Errorf("writeEnvelope encode: %v", err)
	}
}

func writeResult(w http.ResponseWriter, status int, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		logger.Errorf("writeResult marshal: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	writeEnvelope(w, model.Envelope{
		Message:    "ok",
		Code:       model.CodeOK,
		Result:     raw,
		HTTPStatus: status,
	})
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeEnvelope(w, model.Envelope{
		Message:    msg,
		Code:       code,
		HTTPStatus: status,
	})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
