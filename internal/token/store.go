package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// Redis keys shared with the request-serving layer
	tokenInfoKey   = "websocket_token_info"
	legacyTokenKey = "websocket_access_token"

	// The upstream declares a ~24h lifetime; the cache expires an hour
	// earlier and the validity check is stricter still, so a key is always
	// refreshed before the upstream would reject it.
	tokenValidity = 22 * time.Hour
	cacheExpiry   = 23 * time.Hour
)

// AcquisitionError indicates the approval endpoint could not issue a key.
// Callers must treat it as fatal for the current connect attempt.
type AcquisitionError struct {
	StatusCode int
	Err        error
}

func (e *AcquisitionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("approval key acquisition failed: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("approval key acquisition failed: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Store acquires, validates and caches the streaming approval key.
// It is the sole authority on credential freshness.
type Store struct {
	redisClient *redis.Client
	httpClient  *http.Client
	approvalURL string
	appKey      string
	appSecret   string
}

type approvalRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// NewStore creates an approval-key store. The Redis client may be nil, in
// which case every Acquire fetches a fresh key from the approval endpoint.
func NewStore(redisClient *redis.Client, approvalURL, appKey, appSecret string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Store{
		redisClient: redisClient,
		httpClient:  &http.Client{Timeout: timeout},
		approvalURL: approvalURL,
		appKey:      appKey,
		appSecret:   appSecret,
	}
}

// Acquire returns a cached approval key if it is still inside its validity
// window and shaped correctly, otherwise requests a fresh one upstream.
func (s *Store) Acquire(ctx context.Context) (string, error) {
	if key, ok := s.cachedKey(ctx); ok {
		return key, nil
	}

	return s.fetchFresh(ctx)
}

// Invalidate removes the cached approval key unconditionally; the next
// Acquire fetches fresh.
func (s *Store) Invalidate(ctx context.Context) {
	if s.redisClient == nil {
		return
	}

	if err := s.redisClient.Del(ctx, tokenInfoKey, legacyTokenKey).Err(); err != nil {
		log.Printf("⚠️ Failed to invalidate approval key cache: %v", err)
		return
	}

	log.Printf("🧹 Approval key cache invalidated")
}

// cachedKey returns a still-valid cached key, or ("", false) on any miss,
// expiry, format problem or Redis error.
func (s *Store) cachedKey(ctx context.Context) (string, bool) {
	if s.redisClient == nil {
		return "", false
	}

	info, err := s.redisClient.HGetAll(ctx, tokenInfoKey).Result()
	if err != nil {
		log.Printf("⚠️ Failed to read approval key cache: %v", err)
		return "", false
	}

	key := info["token"]
	createdAt := info["created_at"]
	if key == "" || createdAt == "" {
		return "", false
	}

	created, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		log.Printf("⚠️ Bad approval key metadata in cache: %v", err)
		return "", false
	}

	age := time.Since(created)
	if age >= tokenValidity || !IsFormatValid(key) {
		log.Printf("🔄 Cached approval key expired or malformed (age: %v) - fetching fresh", age.Round(time.Second))
		return "", false
	}

	return key, true
}

// fetchFresh requests a new approval key from the authorization endpoint and
// caches it with its issuance timestamp.
func (s *Store) fetchFresh(ctx context.Context) (string, error) {
	log.Printf("🔑 Requesting new websocket approval key")

	body, err := json.Marshal(approvalRequest{
		GrantType: "client_credentials",
		AppKey:    s.appKey,
		SecretKey: s.appSecret,
	})
	if err != nil {
		return "", &AcquisitionError{Err: fmt.Errorf("failed to encode approval request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.approvalURL, bytes.NewReader(body))
	if err != nil {
		return "", &AcquisitionError{Err: fmt.Errorf("failed to build approval request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json; utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &AcquisitionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &AcquisitionError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected approval response: %s", string(payload)),
		}
	}

	var approval approvalResponse
	if err := json.NewDecoder(resp.Body).Decode(&approval); err != nil {
		return "", &AcquisitionError{Err: fmt.Errorf("failed to decode approval response: %w", err)}
	}

	if approval.ApprovalKey == "" {
		return "", &AcquisitionError{Err: fmt.Errorf("approval response carries no approval_key")}
	}

	if !IsFormatValid(approval.ApprovalKey) {
		// The upstream silently rejects malformed keys; make the problem visible here.
		log.Printf("⚠️ Issued approval key has unexpected format: %s", approval.ApprovalKey)
	}

	s.cacheKey(ctx, approval.ApprovalKey)

	log.Printf("✅ New websocket approval key issued")
	return approval.ApprovalKey, nil
}

// cacheKey stores the key with issuance metadata. Cache failures are logged
// and swallowed: a working key beats a working cache.
func (s *Store) cacheKey(ctx context.Context, key string) {
	if s.redisClient == nil {
		return
	}

	info := map[string]interface{}{
		"token":      key,
		"created_at": time.Now().Format(time.RFC3339),
		"issued_by":  "auto_refresh",
		"version":    "1.0",
	}

	pipe := s.redisClient.Pipeline()
	pipe.HSet(ctx, tokenInfoKey, info)
	pipe.Expire(ctx, tokenInfoKey, cacheExpiry)
	// Plain key kept for consumers that only want the value
	pipe.Set(ctx, legacyTokenKey, key, cacheExpiry)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("⚠️ Failed to cache approval key: %v", err)
		return
	}

	log.Printf("📦 Approval key cached for %v", cacheExpiry)
}

// IsFormatValid reports whether key has the UUID-like 8-4-4-4-12 shape the
// streaming endpoint accepts. Segments are alphanumeric, not strictly hex.
func IsFormatValid(key string) bool {
	segmentLengths := []int{8, 4, 4, 4, 12}

	total := 0
	for _, l := range segmentLengths {
		total += l
	}
	total += len(segmentLengths) - 1 // hyphens

	if len(key) != total {
		return false
	}

	pos := 0
	for i, segLen := range segmentLengths {
		if i > 0 {
			if key[pos] != '-' {
				return false
			}
			pos++
		}
		for j := 0; j < segLen; j++ {
			c := key[pos+j]
			if !isAlphanumeric(c) {
				return false
			}
		}
		pos += segLen
	}

	return true
}

func isAlphanumeric(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
