// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command relay-appservice relays messages and reactions between portal
// rooms (each bound to one bridged chat network) and a shared hub room, so
// megabridge-style bridges can take part in one multi-platform conversation.
// Relayed messages are sent through per-sender puppet users, with reply and
// reaction threading backed by a durable event-correlation store.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/aiku/relay-appservice/pkg/relay"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	generateRegistration := flag.String("generate-registration", "",
		"write the appservice registration YAML to the given path and exit")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()

	cfg, err := relay.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if *generateRegistration != "" {
		if err = relay.WriteRegistration(cfg, *generateRegistration); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate registration")
		}
		log.Info().Str("path", *generateRegistration).Msg("Wrote appservice registration")
		return
	}

	log.Info().
		Str("tag", Tag).
		Str("commit", Commit).
		Str("built", BuildTime).
		Msg("Starting relay-appservice")

	svc, err := relay.NewService(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize relay")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err = svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Relay exited with error")
	}
}
