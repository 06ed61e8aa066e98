package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"wagate/cmd/internal/credentials"
)

// ValidateConfig rejects configuration that would otherwise fail late or silently weaken
// security. It runs before anything is wired.
func ValidateConfig(cfg Config) error {
	if cfg.CredentialsKeyHex != "" {
		if _, err := credentials.ParseKeyHex(cfg.CredentialsKeyHex); err != nil {
			return fmt.Errorf("config: WAGATE_CREDENTIALS_KEY_HEX: %w", err)
		}
	}

	if strings.TrimSpace(cfg.SessionsDir) == "" {
		return errors.New("config: WAGATE_SESSIONS_DIR is required")
	}

	if err := validateURL("WAGATE_BRIDGE_URL", cfg.BridgeURL, "ws", "wss", "http", "https"); err != nil {
		return err
	}
	if cfg.WebhookURL != "" {
		if err := validateURL("WAGATE_WEBHOOK_URL", cfg.WebhookURL, "http", "https"); err != nil {
			return err
		}
	}

	if cfg.WatchdogHigh <= cfg.WatchdogLow {
		return errors.New("config: WAGATE_WATCHDOG_HIGH must exceed WAGATE_WATCHDOG_LOW")
	}
	if cfg.DBMinConns > 0 && cfg.DBMaxConns > 0 && cfg.DBMinConns > cfg.DBMaxConns {
		return errors.New("config: WAGATE_DB_MIN_CONNS exceeds WAGATE_DB_MAX_CONNS")
	}
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("config: %s: want %s URL with host, got %q", name, strings.Join(schemes, "/"), raw)
}
