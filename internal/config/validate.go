package config

import (
	"fmt"
	"net/url"
)

// ValidationError reports a single rejected configuration field.
// Any ValidationError at startup is fatal; nothing else is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks configuration correctness. It performs declarative
// validation only and MUST NOT mutate the configuration.
func Validate(cfg *Config) error {
	if cfg.TargetURL == "" {
		return invalid("target_url", "is required")
	}
	u, err := url.Parse(cfg.TargetURL)
	if err != nil {
		return invalid("target_url", fmt.Sprintf("is not a valid URL: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("target_url", "must use http or https")
	}
	if u.Host == "" {
		return invalid("target_url", "has no host")
	}

	if cfg.CheckIntervalSeconds <= 0 {
		return invalid("check_interval_seconds", "must be positive")
	}
	if cfg.InitialDelaySeconds < 0 {
		return invalid("initial_delay_seconds", "must not be negative")
	}
	if cfg.MaxRetries <= 0 {
		return invalid("max_retries", "must be positive")
	}
	if cfg.RetryDelaySeconds <= 0 {
		return invalid("retry_delay_seconds", "must be positive")
	}
	if cfg.UnhealthyThreshold <= 0 {
		return invalid("unhealthy_threshold", "must be positive")
	}
	if cfg.RotationIntervalMinutes < 0 {
		return invalid("rotation_interval_minutes", "must not be negative")
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return invalid("port", "must be in 1-65535")
	}
	if cfg.DataDir == "" {
		return invalid("data_dir", "is required")
	}

	if cfg.Browser.ProbeTimeoutSeconds <= 0 {
		return invalid("browser.probe_timeout_seconds", "must be positive")
	}
	if cfg.Browser.PageLoadTimeoutSeconds <= 0 {
		return invalid("browser.page_load_timeout_seconds", "must be positive")
	}
	if cfg.Browser.AttachURL == "" {
		if cfg.Browser.CDPPort < 1 || cfg.Browser.CDPPort > 65535 {
			return invalid("browser.cdp_port", "must be in 1-65535")
		}
	}

	if cfg.History.Enabled {
		if cfg.History.MaxChecks <= 0 {
			return invalid("history.max_checks", "must be positive")
		}
		if cfg.History.MaxAttempts <= 0 {
			return invalid("history.max_attempts", "must be positive")
		}
	}

	t := cfg.Notifications.Telegram
	if (t.Token == "") != (t.ChatID == 0) {
		return invalid("notifications.telegram", "needs both token and chat_id")
	}

	return nil
}
