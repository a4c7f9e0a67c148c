// Package helper is the elevated side of the privileged channel: it dials
// back to the installer and serves the closed set of operations.
package helper

import (
	"context"
	"log/slog"
	"time"

	"github.com/spinstage/spinstage/pkg/bootentry"
	"github.com/spinstage/spinstage/pkg/copytree"
	"github.com/spinstage/spinstage/pkg/elevated"
	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/firmware"
)

// unavailable is the firmware opener on platforms without variable access.
// Boot entry operations fail with the open error; the rest keep working.
type unavailable struct{ err error }

func (u unavailable) Session(fn func(firmware.Store) error) error { return u.err }

// Registry returns the operations served by the helper.
func Registry(opener firmware.Opener) elevated.Registry {
	return elevated.Registry{
		elevated.OpCopyTree:        copytree.Handler(),
		elevated.OpRemoveTree:      copytree.RemoveHandler(),
		elevated.OpAddBootEntry:    bootentry.AddHandler(opener),
		elevated.OpListBootEntries: bootentry.ListHandler(opener),
	}
}

// SystemOpener returns the platform firmware store, or an opener that
// reports why it is not available.
func SystemOpener() firmware.Opener {
	opener, err := firmware.NewSystemStore()
	if err != nil {
		slog.Warn("helper_firmware_unavailable", "error", err)
		return unavailable{err: err}
	}
	return opener
}

// Run connects to channel and serves requests until the installer shuts the
// helper down or goes away. connectTimeout bounds the dial only.
func Run(ctx context.Context, transport elevated.Transport, channel string, connectTimeout time.Duration, registry elevated.Registry) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, err := elevated.Connect(dialCtx, transport, channel)
	cancel()
	if err != nil {
		return errors.Wrap(err, "helper could not reach installer")
	}

	slog.Info("helper_serving", "channel", channel, "operations", len(registry))
	return elevated.Serve(ctx, conn, registry, elevated.ExecExecutor{})
}
