package auth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/woodkill00/gatekeep/pkg/auth/authtest"
	"github.com/woodkill00/gatekeep/pkg/config"
	"github.com/woodkill00/gatekeep/pkg/observability"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:        "test",
		JWTSecret:          "test-secret-test-secret-test-secret!",
		TokenPepper:        "test-pepper",
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         30 * 24 * time.Hour,
		VerifyTTL:          24 * time.Hour,
		ResetTTL:           time.Hour,
		LockoutMaxFailures: 3,
		LockoutDuration:    15 * time.Minute,
		PublicBaseURL:      "http://localhost:8080",
	}
}

func newTestService() (*Service, *authtest.Store, *authtest.Auditor) {
	st := authtest.NewStore()
	auditor := &authtest.Auditor{}
	svc := NewService(st, auditor, testConfig(), observability.NewMetrics(prometheus.NewRegistry()))
	return svc, st, auditor
}
