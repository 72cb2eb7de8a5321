package server

import (
	"encoding/json"
	"net/http"
)

// protoResponse is the LNURL wire envelope. Wallets only understand
// status OK or ERROR bodies, so wallet-facing endpoints never answer
// with an HTTP error code.
type protoResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProtoOK answers a wallet callback that succeeded.
func writeProtoOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, protoResponse{Status: "OK"})
}

// writeProtoErr answers a wallet-facing endpoint with a protocol error.
// Always HTTP 200 so wallets surface the reason instead of a generic
// transport failure.
func writeProtoErr(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusOK, protoResponse{Status: "ERROR", Reason: reason})
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError answers an application (non-wallet) endpoint.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
