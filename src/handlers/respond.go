package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"link-server/src/aggregator"
	"link-server/src/apperr"
)

type errorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("ERROR: Failed to encode response body: %v", err)
	}
}

// writeError renders err as {"kind","detail"}. Internal causes are logged
// but never sent.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := describe(err)
	if status >= http.StatusInternalServerError {
		log.Printf("ERROR: %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, body)
}

func describe(err error) (int, errorBody) {
	if aggErr, ok := aggregator.AsError(err); ok {
		kind := apperr.KindAggregatorTransient
		switch aggErr.Kind {
		case aggregator.KindRejected:
			kind = apperr.KindAggregatorRejected
		case aggregator.KindTimeout:
			kind = apperr.KindAggregatorTimeout
		}
		detail := "aggregator request failed"
		if aggErr.Code != "" {
			detail += ": " + aggErr.Code
		}
		return http.StatusBadGateway, errorBody{Kind: kind, Detail: detail}
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode != "" && richErr.TextCode != apperr.KindInternal {
		status := richErr.Code
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, errorBody{Kind: richErr.TextCode, Detail: richErr.Message}
	}

	return http.StatusInternalServerError, errorBody{Kind: apperr.KindInternal, Detail: "internal error"}
}

// decodeBody reads a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		log.Printf("ERROR: Failed to decode %s request body: %v", r.URL.Path, err)
		return apperr.BadRequest("invalid request body")
	}
	return nil
}
