package mw

import (
	"net/http"
	"strconv"

	"github.com/3xpluto/weightgate/internal/ratelimit"
)

const (
	HeaderBucket    = "X-Weight-Bucket"
	HeaderLimit     = "X-Weight-Limit"
	HeaderUsed      = "X-Weight-Used"
	HeaderRemaining = "X-Weight-Remaining"
)

// SetWeightHeaders describes the bucket state a decision was taken against.
func SetWeightHeaders(w http.ResponseWriter, bucket string, dec ratelimit.Decision) {
	h := w.Header()
	h.Set(HeaderBucket, bucket)
	h.Set(HeaderLimit, strconv.FormatInt(dec.Capacity, 10))
	h.Set(HeaderUsed, strconv.FormatInt(dec.Usage, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(dec.Remaining(), 10))
}

// WriteDecision answers 200 for an admitted decision and 429 with Retry-After
// in whole seconds, rounded up, otherwise.
func WriteDecision(w http.ResponseWriter, bucket string, dec ratelimit.Decision) {
	SetWeightHeaders(w, bucket, dec)
	body := map[string]any{
		"bucket":    bucket,
		"allowed":   dec.Allowed,
		"weight":    dec.Weight,
		"usage":     dec.Usage,
		"capacity":  dec.Capacity,
		"remaining": dec.Remaining(),
	}
	if dec.Allowed {
		WriteJSON(w, http.StatusOK, body)
		return
	}
	ms := dec.RetryAfterMillis()
	w.Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
	body["error"] = "rate_limited"
	body["retry_after_ms"] = ms
	body["oversized"] = dec.Oversized
	WriteJSON(w, http.StatusTooManyRequests, body)
}
