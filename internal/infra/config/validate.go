package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateReconnect(cfg, ve)
	validateREST(cfg, ve)
	validateStore(cfg, ve)
	validatePresence(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateMetrics(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if u, err := url.Parse(g.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		ve.Add("gateway.url %q must be a ws:// or wss:// URL", g.URL)
	}
	if g.Version <= 0 {
		ve.Add("gateway.version must be > 0")
	}
	if g.TokenType == "" {
		ve.Add("gateway.token_type must not be empty")
	}
	if _, err := ParseIntents(g.Intents); err != nil {
		ve.Add("gateway.intents: %v", err)
	}
	if g.ShardCount < 0 {
		ve.Add("gateway.shard_count must be >= 0")
	}
	if g.ShardID < 0 {
		ve.Add("gateway.shard_id must be >= 0")
	}
	if g.ShardCount > 0 && g.ShardID >= g.ShardCount {
		ve.Add("gateway.shard_id %d must be < shard_count %d", g.ShardID, g.ShardCount)
	}
	if g.MaxConcurrency <= 0 {
		ve.Add("gateway.max_concurrency must be > 0")
	}
	if g.LargeThreshold < 50 || g.LargeThreshold > 250 {
		ve.Add("gateway.large_threshold must be between 50 and 250 (got %d)", g.LargeThreshold)
	}
	if g.WriteTimeout <= 0 {
		ve.Add("gateway.write_timeout must be > 0")
	}
	if g.QueueSize <= 0 {
		ve.Add("gateway.queue_size must be > 0")
	}
}

func validateReconnect(cfg *Config, ve *ValidationError) {
	r := cfg.Gateway.Reconnect
	if !r.Enabled {
		return
	}
	if r.CheckInterval <= 0 {
		ve.Add("gateway.reconnect.check_interval must be > 0 when reconnect is enabled")
	}
	if r.InitialDelay <= 0 {
		ve.Add("gateway.reconnect.initial_delay must be > 0 when reconnect is enabled")
	}
	if r.Multiplier < 1 {
		ve.Add("gateway.reconnect.multiplier must be >= 1")
	}
	if r.MaxDelay < r.InitialDelay {
		ve.Add("gateway.reconnect.max_delay must be >= initial_delay")
	}
}

func validateREST(cfg *Config, ve *ValidationError) {
	r := cfg.REST
	if u, err := url.Parse(r.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("rest.base_url %q must be an http(s) URL", r.BaseURL)
	}
	if r.UserAgent == "" {
		ve.Add("rest.user_agent must not be empty")
	}
	if r.MaxRetries < 0 {
		ve.Add("rest.max_retries must be >= 0")
	}
	if r.GlobalRPS < 0 {
		ve.Add("rest.global_rps must be >= 0")
	}
	if r.GlobalRPS > 0 && r.GlobalBurst <= 0 {
		ve.Add("rest.global_burst must be > 0 when global_rps is set")
	}
	if r.RespTimeout <= 0 {
		ve.Add("rest.resp_timeout must be > 0")
	}
	if r.Breaker.Enabled {
		if r.Breaker.MaxFailures == 0 {
			ve.Add("rest.breaker.max_failures must be > 0 when breaker is enabled")
		}
		if r.Breaker.Timeout <= 0 {
			ve.Add("rest.breaker.timeout must be > 0 when breaker is enabled")
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Enabled && cfg.Store.Path == "" {
		ve.Add("store.path is required when store is enabled")
	}
}

var validStatuses = map[string]bool{
	"online":    true,
	"idle":      true,
	"dnd":       true,
	"invisible": true,
}

func validatePresence(cfg *Config, ve *ValidationError) {
	if e := cfg.Presence.Initial; e != nil {
		validatePresenceEntry("presence.initial", *e, ve)
	}
	seen := make(map[string]bool)
	for i, e := range cfg.Presence.Rotations {
		field := fmt.Sprintf("presence.rotations[%d]", i)
		if e.Name == "" {
			ve.Add("%s.name is required", field)
		} else if seen[e.Name] {
			ve.Add("%s: duplicate name %q", field, e.Name)
		}
		seen[e.Name] = true
		if e.Schedule == "" {
			ve.Add("%s.schedule is required", field)
		} else if !validSchedule(e.Schedule) {
			ve.Add("%s.schedule %q is neither a cron expression nor a duration", field, e.Schedule)
		}
		validatePresenceEntry(field, e, ve)
	}
}

func validatePresenceEntry(field string, e PresenceEntry, ve *ValidationError) {
	if !validStatuses[e.Status] {
		ve.Add("%s.status %q is invalid (want: online, idle, dnd, invisible)", field, e.Status)
	}
	if e.ActivityName != "" {
		if _, err := ParseActivityType(e.ActivityType); err != nil {
			ve.Add("%s.activity_type: %v", field, err)
		}
	}
}

func validSchedule(s string) bool {
	if d, err := time.ParseDuration(s); err == nil {
		return d > 0
	}
	_, err := cron.ParseStandard(s)
	return err == nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "text" && cfg.Logger.Format != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if cfg.Tracer.Exporter != "noop" && cfg.Tracer.Exporter != "stdout" {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 {
		ve.Add("tracer.sample_ratio must be >= 0")
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if !cfg.Metrics.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
		ve.Add("metrics.addr %q is not a valid host:port", cfg.Metrics.Addr)
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		ve.Add("metrics.path %q must start with /", cfg.Metrics.Path)
	}
}
