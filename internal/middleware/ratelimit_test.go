package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testAbuseConfig() *AbuseDetectionConfig {
	return &AbuseDetectionConfig{
		Threshold:          3,
		Window:             time.Minute,
		PenaltyDuration:    time.Minute,
		StrictModeDuration: time.Minute,
	}
}

// TestAbuseDetectorScopesByOperatorNotIP pins spec §4.M's per-space-operator-token target:
// an authenticated caller's abuse tracking and penalty box are keyed by its operator
// token, never by its IP (recordAttempt is called with ip == "" for authenticated
// requests), so two operators sharing one IP don't share a penalty box and an operator
// that changes IP mid-session keeps its own count.
func TestAbuseDetectorScopesByOperatorNotIP(t *testing.T) {
	ad := NewAbuseDetector(testAbuseConfig())

	for i := 0; i < 3; i++ {
		ad.recordAttempt("", "operator-a")
	}

	assert.True(t, ad.IsInPenaltyBox("operator-a"))
	assert.False(t, ad.IsInPenaltyBox("operator-b"))
	assert.False(t, ad.IsInPenaltyBox(""))
}

// TestAbuseDetectorScopesByIPForPreAuthRequests pins the fallback tier: a pre-auth caller
// (operatorID == "") is tracked by IP alone.
func TestAbuseDetectorScopesByIPForPreAuthRequests(t *testing.T) {
	ad := NewAbuseDetector(testAbuseConfig())

	for i := 0; i < 3; i++ {
		ad.recordAttempt("203.0.113.9", "")
	}

	assert.True(t, ad.IsInPenaltyBox("203.0.113.9"))
	assert.Empty(t, ad.operatorAttempts)
}

func TestAbuseDetectorStaysUnderThreshold(t *testing.T) {
	ad := NewAbuseDetector(testAbuseConfig())

	ad.recordAttempt("", "operator-c")
	ad.recordAttempt("", "operator-c")

	assert.False(t, ad.IsInPenaltyBox("operator-c"))
}
