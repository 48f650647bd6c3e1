package security

import (
	"net/http"
	"time"

	units "github.com/docker/go-units"

	"github.com/sevrin/gantry/internal/adapter/metrics"
	"github.com/sevrin/gantry/internal/config"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/internal/util"
)

type Adapters struct {
	RateLimit      *RateLimitValidator
	SizeValidation *SizeValidator
}

// metricsRecorder folds violations into the Prometheus registry.
type metricsRecorder struct {
	metrics *metrics.Metrics
	logger  *logger.StyledLogger
}

func (r *metricsRecorder) RecordViolation(v Violation) {
	r.metrics.SecurityViolation(v.ViolationType)

	if v.ViolationType == ViolationSizeLimit && v.Size > 50*1024*1024 {
		r.logger.Warn("Large request blocked",
			"client_id", v.ClientID,
			"size", units.BytesSize(float64(v.Size)),
			"endpoint", v.Endpoint)
	}
}

// NewSecurityAdapters creates and wires the security validators so
// they're easy to chain and consume.
func NewSecurityAdapters(cfg *config.Config, m *metrics.Metrics, logger *logger.StyledLogger) *Adapters {
	recorder := &metricsRecorder{metrics: m, logger: logger}
	limits := cfg.Server.RateLimits
	if limits.CleanupInterval <= 0 {
		limits.CleanupInterval = 5 * time.Minute
	}
	if len(limits.TrustedProxyCIDRsParsed) == 0 && len(limits.TrustedProxyCIDRs) > 0 {
		parsed, err := util.ParseTrustedCIDRs(limits.TrustedProxyCIDRs)
		if err != nil {
			logger.Warn("Ignoring invalid trusted proxy CIDRs", "error", err.Error())
		}
		limits.TrustedProxyCIDRsParsed = parsed
	}

	return &Adapters{
		RateLimit:      NewRateLimitValidator(limits, recorder, logger),
		SizeValidation: NewSizeValidator(cfg.Server.RequestLimits, recorder, logger),
	}
}

func (sa *Adapters) Stop() {
	if sa.RateLimit != nil {
		sa.RateLimit.Stop()
	}
}

// CreateChainMiddleware runs rate limiting first, then size checks.
func (sa *Adapters) CreateChainMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		rateLimitMiddleware := sa.RateLimit.CreateMiddleware()
		sizeMiddleware := sa.SizeValidation.CreateMiddleware()
		return rateLimitMiddleware(sizeMiddleware(next))
	}
}
