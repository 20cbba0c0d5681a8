package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	inflight = "inflight"
)

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware replays the first response for a repeated Idempotency-Key and
// rejects a repeat that arrives while the first is still running.
// Keys are scoped by caller, method and path. 5xx responses are not cached.
func (s *Store) Middleware(log *slog.Logger, scopeHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			sum := sha256.Sum256([]byte(r.Header.Get(scopeHeader) + "|" + r.Method + "|" + r.URL.Path + "|" + key))
			redisKey := "idem:http:" + hex.EncodeToString(sum[:])

			acquired, err := s.rdb.SetNX(ctx, redisKey, inflight, s.ttl).Result()
			if err != nil {
				log.Error("idempotency store unavailable", "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !acquired {
				s.replay(w, r, redisKey, log)
				return
			}

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status >= 500 || rec.status == 0 {
				_ = s.rdb.Del(ctx, redisKey).Err()
				return
			}
			blob, _ := json.Marshal(cachedResponse{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.buf.Bytes(),
			})
			if err := s.rdb.Set(ctx, redisKey, blob, s.ttl).Err(); err != nil {
				log.Warn("idempotency cache write failed", "err", err)
			}
		})
	}
}

func (s *Store) replay(w http.ResponseWriter, r *http.Request, redisKey string, log *slog.Logger) {
	val, err := s.rdb.Get(r.Context(), redisKey).Result()
	if errors.Is(err, redis.Nil) || val == inflight {
		writeConflict(w)
		return
	}
	if err != nil {
		log.Error("idempotency replay read failed", "err", err)
		http.Error(w, `{"error":"idempotency store unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	var cached cachedResponse
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		writeConflict(w)
		return
	}
	if cached.ContentType != "" {
		w.Header().Set("Content-Type", cached.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
}

func writeConflict(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_, _ = w.Write([]byte(`{"error":"a request with this Idempotency-Key is already in progress"}`))
}
