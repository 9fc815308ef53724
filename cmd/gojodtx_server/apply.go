package main

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/eventbus"
	"github.com/sushant-115/gojodtx/core/manager"
	"github.com/sushant-115/gojodtx/core/storage"
	"github.com/sushant-115/gojodtx/core/transaction"
)

// digestApplier stands in for the storage engine: it fingerprints every
// committed payload and logs it. Applying twice logs the same digest.
type digestApplier struct {
	digester storage.Digester
	logger   *zap.Logger
}

func (a digestApplier) Apply(ctx context.Context, rec *transaction.Record) error {
	sum, err := a.digester.Digest(ctx, bytes.NewReader(rec.Payload))
	if err != nil {
		return fmt.Errorf("digest txn %s: %w", rec.Key(), err)
	}
	a.logger.Info("transaction applied",
		zap.Stringer("txn", rec.Key()),
		zap.Int("bytes", len(rec.Payload)),
		zap.String("sha256", sum))
	return nil
}

// watchEvents logs node events until the returned function is called.
func watchEvents(bus *eventbus.Bus, logger *zap.Logger) func() {
	logger = logger.Named("events")
	unsubs := []func(){
		eventbus.SubscribeTyped(bus, manager.EventStateChanged, func(_ context.Context, ev manager.NodeStateChanged) error {
			fields := []zap.Field{zap.Stringer("from", ev.Previous), zap.Stringer("to", ev.Current)}
			if ev.Err != nil {
				logger.Error("node state changed", append(fields, zap.Error(ev.Err))...)
				return nil
			}
			logger.Info("node state changed", fields...)
			return nil
		}, eventbus.Serial(), eventbus.Named("server-state")),
		eventbus.SubscribeTyped(bus, manager.EventPeerConnected, func(_ context.Context, ev manager.PeerConnected) error {
			logger.Info("peer connected", zap.Stringer("peer", ev.Peer))
			return nil
		}),
		eventbus.SubscribeTyped(bus, manager.EventPeerDisconnected, func(_ context.Context, ev manager.PeerDisconnected) error {
			logger.Warn("peer disconnected", zap.Stringer("peer", ev.Peer), zap.Error(ev.Err))
			return nil
		}),
		eventbus.SubscribeTyped(bus, manager.EventPurgeCompleted, func(_ context.Context, ev manager.PurgeCompleted) error {
			logger.Info("retention purge",
				zap.Int("hard", ev.Hard), zap.Int("soft", ev.Soft),
				zap.Bool("soft_skipped", ev.SoftSkipped), zap.Int("remaining", ev.Remaining))
			return nil
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
