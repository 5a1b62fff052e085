// Package secrets keeps API credentials in the OS keyring so they do not
// have to live in config.json or the environment.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/KafClaw/salesclaw/internal/config"
)

const keyringService = "salesclaw"

// Credential names accepted by Get, Set and Delete.
const (
	OpenAIAPIKey     = "openai-api-key"
	SlackToken       = "slack-token"
	ShippingAPIKey   = "shipping-api-key"
	GatewayAuthToken = "gateway-auth-token"
	KafkaPassword    = "kafka-password"
)

// Names lists the supported credentials.
func Names() []string {
	return []string{OpenAIAPIKey, SlackToken, ShippingAPIKey, GatewayAuthToken, KafkaPassword}
}

func valid(name string) bool {
	for _, n := range Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Get returns the stored credential, or "" when none is stored.
func Get(name string) (string, error) {
	if !valid(name) {
		return "", fmt.Errorf("unknown credential %q", name)
	}
	val, err := keyring.Get(keyringService, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", name, err)
	}
	return val, nil
}

// Set stores a credential.
func Set(name, value string) error {
	if !valid(name) {
		return fmt.Errorf("unknown credential %q", name)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty value for %s", name)
	}
	if err := keyring.Set(keyringService, name, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", name, err)
	}
	return nil
}

// Delete removes a credential. Removing a missing one is not an error.
func Delete(name string) error {
	if !valid(name) {
		return fmt.Errorf("unknown credential %q", name)
	}
	err := keyring.Delete(keyringService, name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", name, err)
	}
	return nil
}

// Apply fills credentials that config and environment left empty. A
// missing or unusable keyring (headless servers) leaves cfg untouched.
func Apply(cfg *config.Config) {
	fill := func(name string, dst *string) {
		if *dst != "" {
			return
		}
		val, err := Get(name)
		if err != nil {
			slog.Debug("Keyring unavailable", "credential", name, "error", err)
			return
		}
		*dst = val
	}
	fill(OpenAIAPIKey, &cfg.Providers.OpenAI.APIKey)
	fill(SlackToken, &cfg.Handoff.Slack.Token)
	fill(ShippingAPIKey, &cfg.Tools.Shipping.APIKey)
	fill(GatewayAuthToken, &cfg.Gateway.AuthToken)
	fill(KafkaPassword, &cfg.Kafka.Password)
}
