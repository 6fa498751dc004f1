// Package app wires the configuration into the session supervisor.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/nelyj/fwdtun/internal/config"
	"github.com/nelyj/fwdtun/internal/tunnel"
	"github.com/nelyj/fwdtun/internal/util"
)

// reconnectDelay is the fixed pause between sessions. No backoff and no
// retry cap: the agent is expected to chase its server until killed.
const reconnectDelay = time.Second

// Run supervises upstream sessions forever: construct one, run it to
// completion, wait, reconnect. It returns an error when the connect address
// or the metadata document is invalid; otherwise it returns nil only when
// ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	addr, err := config.NormalizeConnect(cfg.Connect)
	if err != nil {
		return err
	}
	metadata, err := config.Metadata(cfg.MetadataPath)
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx)
	util.LogInfo("forwarding to %s", addr)

	for {
		sess := tunnel.NewSession(addr, metadata)
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			util.LogWarning("[%s] session ended: %v", sess.ID(), err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}
