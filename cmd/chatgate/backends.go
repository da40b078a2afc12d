package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/chatgate"
	"github.com/ineyio/chatgate/store"
	"github.com/ineyio/chatgate/store/postgres"
	chatredis "github.com/ineyio/chatgate/store/redis"
	"github.com/ineyio/chatgate/store/sqlite"
)

// backends are the stores selected by the config.
type backends struct {
	conversations chatgate.ConversationStore
	ledger        chatgate.UsageLedger
	subscriptions chatgate.SubscriptionStore
	closers       []func()
}

// Close releases every opened backend.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// fullStore is implemented by the backends that serve all three roles.
type fullStore interface {
	chatgate.ConversationStore
	chatgate.UsageLedger
	chatgate.SubscriptionStore
}

func openBackends(ctx context.Context, cfg chatgate.Config) (*backends, error) {
	b := &backends{}

	var primary fullStore
	switch cfg.Storage.Driver {
	case "memory":
		b.conversations = store.NewMemoryConversations()
		b.subscriptions = store.NewMemorySubscriptions()
		b.ledger = store.NewMemoryLedger()
	case "sqlite":
		s, err := sqlite.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = s.Close() })
		primary = s
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		if err := s.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, err
		}
		primary = s
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	if primary != nil {
		b.conversations = primary
		b.subscriptions = primary
		b.ledger = primary
	}

	switch cfg.Ledger.Driver {
	case "", cfg.Storage.Driver:
	case "memory":
		b.ledger = store.NewMemoryLedger()
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Ledger.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			b.Close()
			return nil, fmt.Errorf("redis ledger: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })

		var opts []chatredis.Option
		if cfg.Ledger.KeyPrefix != "" {
			opts = append(opts, chatredis.WithKeyPrefix(cfg.Ledger.KeyPrefix))
		}
		b.ledger = chatredis.New(client, opts...)
	default:
		b.Close()
		return nil, fmt.Errorf("ledger driver %q requires storage driver %q", cfg.Ledger.Driver, cfg.Ledger.Driver)
	}

	return b, nil
}
