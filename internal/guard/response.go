package guard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"bizdesk.io/internal/audit"
)

func writeRejection(w http.ResponseWriter, r *http.Request, retryAfter int) {
	body := map[string]string{
		"error": fmt.Sprintf("too many attempts, try again in %d seconds", retryAfter),
	}
	if rid := audit.RequestID(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}
