// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/appservice"
)

// AppserviceID identifies this appservice in its homeserver registration.
const AppserviceID = "relay-bot"

// BuildRegistration builds the appservice registration matching the config:
// the bot user plus an exclusive namespace over the relay puppet prefix.
func BuildRegistration(cfg *Config) (*appservice.Registration, error) {
	puppetPattern := fmt.Sprintf("^@%s.+:%s$",
		regexp.QuoteMeta(cfg.PuppetPrefix), regexp.QuoteMeta(cfg.Domain))
	puppetRegex, err := regexp.Compile(puppetPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile puppet namespace regex: %w", err)
	}
	botPattern := fmt.Sprintf("^@%s:%s$",
		regexp.QuoteMeta(cfg.BotLocalpart), regexp.QuoteMeta(cfg.Domain))
	botRegex, err := regexp.Compile(botPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile bot namespace regex: %w", err)
	}

	reg := appservice.CreateRegistration()
	reg.ID = AppserviceID
	reg.URL = "http://" + cfg.ListenAddress
	reg.AppToken = cfg.ASToken
	reg.ServerToken = cfg.HSToken
	reg.SenderLocalpart = cfg.BotLocalpart
	reg.Namespaces.UserIDs.Register(puppetRegex, true)
	reg.Namespaces.UserIDs.Register(botRegex, true)
	return reg, nil
}

// WriteRegistration writes the registration as YAML to path, for the
// homeserver operator to install.
func WriteRegistration(cfg *Config, path string) error {
	reg, err := BuildRegistration(cfg)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write registration file: %w", err)
	}
	return nil
}
