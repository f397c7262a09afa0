package middleware

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jaydenbeard/spacecore/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// EnhancedRateLimiter implements sophisticated multi-tier rate limiting with DDoS protection
type EnhancedRateLimiter struct {
	// Redis client for distributed rate limiting
	redisClient *redis.Client
	ctx         context.Context

	// Abuse detection (still in-memory for performance)
	abuseDetector *AbuseDetector

	// Configuration
	config *RateLimitConfig

	// Logging
	logger *log.Logger
}

// TieredLimit represents rate limits at different tiers
type TieredLimit struct {
	NormalLimit *LimitConfig
	StrictLimit *LimitConfig
	CurrentMode string // "normal" or "strict"
	LastUpdated time.Time
}

// LimitConfig defines rate limit parameters
type LimitConfig struct {
	MaxRequests int
	Window      time.Duration
	Requests    []time.Time
}

// RateLimitConfig holds all rate limiting configuration. Per spec §4.M, the primary
// identity tier is OperatorLimits, keyed by the authenticated space-operator token's
// identity.ID (hex-encoded) rather than by client IP; IPLimits only ever applies to the
// two endpoints a caller reaches before it has a token (/v1/identities, /v1/auth/token).
type RateLimitConfig struct {
	IPLimits       map[string]*TieredLimitConfig
	OperatorLimits map[string]*TieredLimitConfig
	EndpointLimits map[string]*TieredLimitConfig
	GlobalLimits   *TieredLimitConfig
	AbuseDetection *AbuseDetectionConfig
}

// defaultOperatorKey is the OperatorLimits/EndpointLimits map key used when no per-key
// override has been configured for a specific operator or endpoint.
const defaultOperatorKey = "*"

// Fallback tier limits used when RateLimitConfig carries no override for a given key.
const (
	globalLimitDefaults       = 1000
	globalStrictLimitDefaults = 500
	endpointLimitDefault      = 100
	endpointStrictLimitDefault = 50
	operatorLimitDefault       = 120
	operatorStrictLimitDefault = 60
	ipLimitDefault             = 60
	ipStrictLimitDefault       = 30
)

// TieredLimitConfig defines tiered limit configuration
type TieredLimitConfig struct {
	Normal *LimitConfig
	Strict *LimitConfig
}

// AbuseDetectionConfig defines abuse detection parameters
type AbuseDetectionConfig struct {
	Threshold          int
	Window             time.Duration
	PenaltyDuration    time.Duration
	StrictModeDuration time.Duration
}

// AbuseDetector implements abuse detection algorithms
type AbuseDetector struct {
	ipAttempts       map[string][]time.Time
	operatorAttempts map[string][]time.Time
	penaltyBox       map[string]time.Time // IP/operator token -> penalty end time
	strictModeEnd    map[string]time.Time // IP/operator token -> strict mode end time
	mu               sync.RWMutex
	config           *AbuseDetectionConfig
}

// NewEnhancedRateLimiter creates a new enhanced rate limiter with Redis support
func NewEnhancedRateLimiter(config *RateLimitConfig, redisClient *redis.Client) *EnhancedRateLimiter {
	rl := &EnhancedRateLimiter{
		redisClient:   redisClient,
		ctx:           context.Background(),
		abuseDetector: NewAbuseDetector(config.AbuseDetection),
		config:        config,
		logger:        log.New(log.Writer(), "[RATE-LIMIT] ", log.Ldate|log.Ltime|log.LUTC),
	}

	// Initialize cleanup goroutines (only for abuse detector now)
	go rl.abuseDetector.cleanup()

	return rl
}

// NewAbuseDetector creates a new abuse detector
func NewAbuseDetector(config *AbuseDetectionConfig) *AbuseDetector {
	if config == nil {
		config = &AbuseDetectionConfig{
			Threshold:          100,
			Window:             5 * time.Minute,
			PenaltyDuration:    15 * time.Minute,
			StrictModeDuration: 30 * time.Minute,
		}
	}

	return &AbuseDetector{
		ipAttempts:       make(map[string][]time.Time),
		operatorAttempts: make(map[string][]time.Time),
		penaltyBox:       make(map[string]time.Time),
		strictModeEnd:    make(map[string]time.Time),
		config:           config,
	}
}

// cleanup removes old abuse detection data. Rate limit counters themselves need no
// equivalent: they live in Redis sorted sets with an Expire set on every write.
func (ad *AbuseDetector) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		ad.mu.Lock()

		now := time.Now()

		// Cleanup IP attempts
		for ip, times := range ad.ipAttempts {
			ad.ipAttempts[ip] = ad.filterOldAttempts(times, ad.config.Window, now)
			if len(ad.ipAttempts[ip]) == 0 {
				delete(ad.ipAttempts, ip)
			}
		}

		// Cleanup operator attempts
		for op, times := range ad.operatorAttempts {
			ad.operatorAttempts[op] = ad.filterOldAttempts(times, ad.config.Window, now)
			if len(ad.operatorAttempts[op]) == 0 {
				delete(ad.operatorAttempts, op)
			}
		}

		// Cleanup penalty box
		for key, endTime := range ad.penaltyBox {
			if now.After(endTime) {
				delete(ad.penaltyBox, key)
			}
		}

		// Cleanup strict mode
		for key, endTime := range ad.strictModeEnd {
			if now.After(endTime) {
				delete(ad.strictModeEnd, key)
			}
		}

		ad.mu.Unlock()
	}
}

// filterOldAttempts removes attempts outside the time window
func (ad *AbuseDetector) filterOldAttempts(times []time.Time, window time.Duration, now time.Time) []time.Time {
	filtered := []time.Time{}
	for _, t := range times {
		if now.Sub(t) < window {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Middleware returns an HTTP middleware that enforces enhanced rate limiting. Per spec
// §4.M, the primary identity a request is limited by is its space-operator token
// (identity.ID, set in context by AuthMiddleware), not its source IP: a request that
// already carries a valid token is limited and abuse-tracked solely by that token, the
// same token following it across NATs, proxies and IP rotation. The IP tier only ever
// runs for the handful of routes a caller reaches before it has a token at all
// (/v1/identities, /v1/auth/token) — there is no operator identity yet to key on.
func (rl *EnhancedRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip rate limiting for WebSocket upgrade requests
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
			strings.HasSuffix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			return
		}

		operatorID := ""
		if participant, ok := GetParticipantID(r.Context()); ok {
			operatorID = hex.EncodeToString(participant[:])
		}

		ip := ""
		if operatorID == "" {
			ip = requestIP(r)
		}

		endpoint := r.Method + " " + r.URL.Path
		scopeKey := ip
		if operatorID != "" {
			scopeKey = operatorID
		}

		// Check if in penalty box
		if rl.abuseDetector.IsInPenaltyBox(scopeKey) {
			metrics.RecordRateLimitHit(endpoint, "penalty")
			metrics.RecordRateLimitRequest(endpoint, "penalty", "denied")
			rl.logger.Printf("RATE LIMIT DENIED - %s is in penalty box (operator: %s, IP: %s)", endpoint, operatorID, ip)
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		// Check global limits first
		if !rl.allowGlobalRequest() {
			metrics.RecordRateLimitHit(endpoint, "global")
			metrics.RecordRateLimitRequest(endpoint, "global", "denied")
			rl.logger.Printf("RATE LIMIT DENIED - global limit reached (operator: %s, IP: %s, Endpoint: %s)", operatorID, ip, endpoint)
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		// Check endpoint limits
		if !rl.allowEndpointRequest(endpoint) {
			metrics.RecordRateLimitHit(endpoint, "endpoint")
			metrics.RecordRateLimitRequest(endpoint, "endpoint", "denied")
			rl.logger.Printf("RATE LIMIT DENIED - endpoint limit reached (operator: %s, IP: %s, Endpoint: %s)", operatorID, ip, endpoint)
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		if operatorID != "" {
			// Authenticated: the operator token is the sole identity tier.
			if !rl.allowOperatorRequest(operatorID) {
				metrics.RecordRateLimitHit(endpoint, "operator")
				metrics.RecordRateLimitRequest(endpoint, "operator", "denied")
				rl.logger.Printf("RATE LIMIT DENIED - operator limit reached (operator: %s, Endpoint: %s)", operatorID, endpoint)
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}
		} else if !rl.allowIPRequest(ip) {
			// Pre-auth: no operator token exists yet, fall back to the IP tier.
			metrics.RecordRateLimitHit(endpoint, "ip")
			metrics.RecordRateLimitRequest(endpoint, "ip", "denied")
			rl.logger.Printf("RATE LIMIT DENIED - IP limit reached (IP: %s, Endpoint: %s)", ip, endpoint)
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		// Record successful request
		metrics.RecordRateLimitRequest(endpoint, "allowed", "allowed")
		rl.logger.Printf("RATE LIMIT ALLOWED - request permitted (operator: %s, IP: %s, Endpoint: %s)", operatorID, ip, endpoint)

		// Record abuse detection attempt against whichever scope limited this request.
		rl.abuseDetector.recordAttempt(ip, operatorID)

		next.ServeHTTP(w, r)
	})
}

// requestIP extracts the client address a pre-auth request arrived from, preferring a
// reverse proxy's forwarded-for header over the raw connection address.
func requestIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

// allowGlobalRequest checks if a request should be allowed at global level
func (rl *EnhancedRateLimiter) allowGlobalRequest() bool {
	key := "ratelimit:global"
	normal, strict := globalLimitDefaults, globalStrictLimitDefaults
	if g := rl.config.GlobalLimits; g != nil {
		if g.Normal != nil {
			normal = g.Normal.MaxRequests
		}
		if g.Strict != nil {
			strict = g.Strict.MaxRequests
		}
	}
	maxRequests := normal
	window := time.Minute

	// Check if in strict mode (ignore error - defaults to normal mode)
	strictMode, err := rl.redisClient.Get(rl.ctx, "ratelimit:global:mode").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get global mode: %v", err)
	}
	if strictMode == "strict" {
		maxRequests = strict
	}

	// Use Redis sorted set to track requests with timestamps
	now := time.Now().Unix()
	windowStart := now - int64(window.Seconds())

	// Remove old requests (ignore error - non-critical cleanup)
	if err := rl.redisClient.ZRemRangeByScore(rl.ctx, key, "-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to remove old requests: %v", err)
	}

	// Count current requests in window
	count, err := rl.redisClient.ZCard(rl.ctx, key).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to count requests: %v", err)
		// On error, allow the request rather than blocking
		return true
	}

	// Check if limit exceeded
	if count >= int64(maxRequests) {
		return false
	}

	// Add current request (ignore error - best effort)
	if err := rl.redisClient.ZAdd(rl.ctx, key, redis.Z{Score: float64(now), Member: fmt.Sprintf("%d", now)}).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to add request: %v", err)
	}
	if err := rl.redisClient.Expire(rl.ctx, key, window).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to set expiry: %v", err)
	}

	return true
}

// allowEndpointRequest checks if a request should be allowed at endpoint level
func (rl *EnhancedRateLimiter) allowEndpointRequest(endpoint string) bool {
	key := fmt.Sprintf("ratelimit:endpoint:%s", endpoint)
	normal, strict := endpointLimitDefault, endpointStrictLimitDefault
	if t, ok := rl.config.EndpointLimits[endpoint]; ok {
		if t.Normal != nil {
			normal = t.Normal.MaxRequests
		}
		if t.Strict != nil {
			strict = t.Strict.MaxRequests
		}
	}
	maxRequests := normal
	window := time.Minute

	// Check if in strict mode for this endpoint
	strictMode, err := rl.redisClient.Get(rl.ctx, fmt.Sprintf("ratelimit:endpoint:%s:mode", endpoint)).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get endpoint mode: %v", err)
	}
	if strictMode == "strict" {
		maxRequests = strict
	}

	now := time.Now().Unix()
	windowStart := now - int64(window.Seconds())

	// Remove old requests
	if err := rl.redisClient.ZRemRangeByScore(rl.ctx, key, "-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to remove old requests: %v", err)
	}

	// Count current requests in window
	count, err := rl.redisClient.ZCard(rl.ctx, key).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to count requests: %v", err)
		return true
	}

	// Check if limit exceeded
	if count >= int64(maxRequests) {
		return false
	}

	// Add current request
	if err := rl.redisClient.ZAdd(rl.ctx, key, redis.Z{Score: float64(now), Member: fmt.Sprintf("%d", now)}).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to add request: %v", err)
	}
	if err := rl.redisClient.Expire(rl.ctx, key, window).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to set expiry: %v", err)
	}

	return true
}

// allowIPRequest checks if a pre-auth request (no operator token yet) should be allowed
// at IP level. Only /v1/identities and /v1/auth/token ever reach this tier.
func (rl *EnhancedRateLimiter) allowIPRequest(ip string) bool {
	key := fmt.Sprintf("ratelimit:ip:%s", ip)
	normal, strict := ipLimitDefault, ipStrictLimitDefault
	if t, ok := rl.config.IPLimits[ip]; ok {
		if t.Normal != nil {
			normal = t.Normal.MaxRequests
		}
		if t.Strict != nil {
			strict = t.Strict.MaxRequests
		}
	}
	maxRequests := normal
	window := time.Minute

	// Check if in strict mode for this IP
	strictMode, err := rl.redisClient.Get(rl.ctx, fmt.Sprintf("ratelimit:ip:%s:mode", ip)).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get IP mode: %v", err)
	}
	if strictMode == "strict" {
		maxRequests = strict
	}

	now := time.Now().Unix()
	windowStart := now - int64(window.Seconds())

	// Remove old requests
	if err := rl.redisClient.ZRemRangeByScore(rl.ctx, key, "-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to remove old requests: %v", err)
	}

	// Count current requests in window
	count, err := rl.redisClient.ZCard(rl.ctx, key).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to count requests: %v", err)
		return true
	}

	// Check if limit exceeded
	if count >= int64(maxRequests) {
		return false
	}

	// Add current request
	if err := rl.redisClient.ZAdd(rl.ctx, key, redis.Z{Score: float64(now), Member: fmt.Sprintf("%d", now)}).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to add request: %v", err)
	}
	if err := rl.redisClient.Expire(rl.ctx, key, window).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to set expiry: %v", err)
	}

	return true
}

// allowOperatorRequest checks if a request should be allowed at the space-operator-token
// level, keyed by the hex-encoded identity.ID the bearer token authenticated as. This is
// the primary per-caller tier for every authenticated route (spec §4.M).
func (rl *EnhancedRateLimiter) allowOperatorRequest(operatorID string) bool {
	key := fmt.Sprintf("ratelimit:operator:%s", operatorID)
	normal, strict := operatorLimitDefault, operatorStrictLimitDefault
	override, ok := rl.config.OperatorLimits[operatorID]
	if !ok {
		override, ok = rl.config.OperatorLimits[defaultOperatorKey]
	}
	if ok {
		if override.Normal != nil {
			normal = override.Normal.MaxRequests
		}
		if override.Strict != nil {
			strict = override.Strict.MaxRequests
		}
	}
	maxRequests := normal
	window := time.Minute

	// Check if in strict mode for this operator
	strictMode, err := rl.redisClient.Get(rl.ctx, fmt.Sprintf("ratelimit:operator:%s:mode", operatorID)).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get operator mode: %v", err)
	}
	if strictMode == "strict" {
		maxRequests = strict
	}

	now := time.Now().Unix()
	windowStart := now - int64(window.Seconds())

	// Remove old requests
	if err := rl.redisClient.ZRemRangeByScore(rl.ctx, key, "-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to remove old requests: %v", err)
	}

	// Count current requests in window
	count, err := rl.redisClient.ZCard(rl.ctx, key).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to count requests: %v", err)
		return true
	}

	// Check if limit exceeded
	if count >= int64(maxRequests) {
		return false
	}

	// Add current request
	if err := rl.redisClient.ZAdd(rl.ctx, key, redis.Z{Score: float64(now), Member: fmt.Sprintf("%d", now)}).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to add request: %v", err)
	}
	if err := rl.redisClient.Expire(rl.ctx, key, window).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to set expiry: %v", err)
	}

	return true
}

// recordAttempt records an attempt for abuse detection. ip is empty for an authenticated
// request (operatorID is the sole scope tracked for it); operatorID is empty for a
// pre-auth request (ip is the sole scope tracked for it).
func (ad *AbuseDetector) recordAttempt(ip string, operatorID string) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	now := time.Now()

	if ip != "" {
		if attempts, exists := ad.ipAttempts[ip]; exists {
			ad.ipAttempts[ip] = append(attempts, now)
		} else {
			ad.ipAttempts[ip] = []time.Time{now}
		}
	}

	if operatorID != "" {
		if attempts, exists := ad.operatorAttempts[operatorID]; exists {
			ad.operatorAttempts[operatorID] = append(attempts, now)
		} else {
			ad.operatorAttempts[operatorID] = []time.Time{now}
		}
	}

	// Check for abuse patterns
	ad.checkForAbuse(ip, operatorID)
}

// checkForAbuse checks if an IP or operator token is exhibiting abusive behavior
func (ad *AbuseDetector) checkForAbuse(ip string, operatorID string) {
	now := time.Now()

	if ip != "" {
		if attempts, exists := ad.ipAttempts[ip]; exists {
			recentAttempts := ad.filterOldAttempts(attempts, ad.config.Window, now)
			if len(recentAttempts) >= ad.config.Threshold {
				ad.penaltyBox[ip] = now.Add(ad.config.PenaltyDuration)
				ad.strictModeEnd[ip] = now.Add(ad.config.StrictModeDuration)
				metrics.RecordAbuseDetectionEvent("ip", "penalty")
				metrics.RecordStrictModeActivation("ip")
				log.Printf("ABUSE DETECTED: IP %s placed in penalty box for %v", ip, ad.config.PenaltyDuration)
			}
		}
	}

	if operatorID != "" {
		if attempts, exists := ad.operatorAttempts[operatorID]; exists {
			recentAttempts := ad.filterOldAttempts(attempts, ad.config.Window, now)
			if len(recentAttempts) >= ad.config.Threshold {
				ad.penaltyBox[operatorID] = now.Add(ad.config.PenaltyDuration)
				ad.strictModeEnd[operatorID] = now.Add(ad.config.StrictModeDuration)
				metrics.RecordAbuseDetectionEvent("operator", "penalty")
				metrics.RecordStrictModeActivation("operator")
				log.Printf("ABUSE DETECTED: operator %s placed in penalty box for %v", operatorID, ad.config.PenaltyDuration)
			}
		}
	}
}

// IsInPenaltyBox checks if an IP or operator token is in penalty box
func (ad *AbuseDetector) IsInPenaltyBox(key string) bool {
	ad.mu.RLock()
	defer ad.mu.RUnlock()

	if endTime, exists := ad.penaltyBox[key]; exists {
		return time.Now().Before(endTime)
	}
	return false
}

// RecordAttempt records an attempt for abuse detection (public for testing)
func (ad *AbuseDetector) RecordAttempt(ip string, operatorID string) {
	ad.recordAttempt(ip, operatorID)
}

// SetGlobalStrictMode enables strict mode globally
func (rl *EnhancedRateLimiter) SetGlobalStrictMode(enable bool) {
	mode := "normal"
	if enable {
		mode = "strict"
	}
	rl.redisClient.Set(rl.ctx, "ratelimit:global:mode", mode, 0)
	rl.logger.Printf("Global strict mode %s", strings.ToUpper(mode))
}

// SetEndpointStrictMode enables strict mode for specific endpoint
func (rl *EnhancedRateLimiter) SetEndpointStrictMode(endpoint string, enable bool) {
	mode := "normal"
	if enable {
		mode = "strict"
	}
	key := fmt.Sprintf("ratelimit:endpoint:%s:mode", endpoint)
	rl.redisClient.Set(rl.ctx, key, mode, 0)
	rl.logger.Printf("Strict mode %s for endpoint: %s", strings.ToUpper(mode), endpoint)
}

// GetRateLimitStatus returns current rate limit status
func (rl *EnhancedRateLimiter) GetRateLimitStatus() map[string]interface{} {
	// Get global mode
	globalMode, err := rl.redisClient.Get(rl.ctx, "ratelimit:global:mode").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get global mode: %v", err)
	}
	if globalMode == "" {
		globalMode = "normal"
	}

	// Get global request count
	globalCount, err := rl.redisClient.ZCard(rl.ctx, "ratelimit:global").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get global count: %v", err)
	}

	// Get approximate counts (Redis doesn't have efficient count operations for patterns)
	// In production, you might want to maintain separate counters
	ipKeys, err := rl.redisClient.Keys(rl.ctx, "ratelimit:ip:*").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get IP keys: %v", err)
	}
	operatorKeys, err := rl.redisClient.Keys(rl.ctx, "ratelimit:operator:*").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get operator keys: %v", err)
	}
	endpointKeys, err := rl.redisClient.Keys(rl.ctx, "ratelimit:endpoint:*").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get endpoint keys: %v", err)
	}

	status := map[string]interface{}{
		"global_mode":      globalMode,
		"global_requests":  globalCount,
		"ip_counts":        len(ipKeys),
		"operator_counts":  len(operatorKeys),
		"endpoint_counts":  len(endpointKeys),
	}

	return status
}
