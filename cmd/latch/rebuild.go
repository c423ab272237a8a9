package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-latch/v1/adapter"
	"github.com/mirkobrombin/go-latch/v1/cache"
	"github.com/mirkobrombin/go-latch/v1/presets"
	"github.com/mirkobrombin/go-latch/v1/stampede"
	"github.com/mirkobrombin/go-latch/v1/validator"
)

// runRebuild reads key through a stampede guard: the cache lives on the
// first node, the source of truth under prefix on the same node. With more
// than one node the rebuild lock is a quorum lock.
func runRebuild(ctx context.Context, cfg *config, key, prefix string, ttl, swr time.Duration) error {
	if key == "" {
		return fmt.Errorf("-key is required")
	}
	defer cfg.tracing()()

	first := cfg.opts
	first.Nodes = cfg.opts.Nodes[:1]
	single, err := presets.NewSingle(first)
	if err != nil {
		return err
	}
	defer single.Close()

	mutex := stampede.SingleNode(single.Locker, cfg.opts.RenewInterval)
	if len(cfg.opts.Nodes) > 1 {
		q, err := presets.NewQuorum(cfg.opts)
		if err != nil {
			return err
		}
		defer q.Close()
		mutex = stampede.Quorum(q.Redlock)
	}

	client := single.Node.Client()
	src := adapter.NewRedisStore[[]byte](client, adapter.WithPrefix(prefix), adapter.WithCodec(cache.ByteCodec{}))
	c := cache.NewResilient[stampede.Entry[[]byte]](
		cache.NewRedis[stampede.Entry[[]byte]](client, cache.JSONCodec{}),
		slog.Default(),
	)
	g, err := stampede.New[[]byte](c, mutex, stampede.FromStore[[]byte](src), ttl,
		stampede.WithStaleWhileRevalidate(swr),
		stampede.WithTTLJitter(0.1),
	)
	if err != nil {
		return err
	}
	defer g.Close()

	v, err := g.Get(ctx, key)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", v)
	return nil
}

// runAudit makes one validator pass over the source keys under prefix.
func runAudit(ctx context.Context, cfg *config, prefix string, heal bool) error {
	first := cfg.opts
	first.Nodes = cfg.opts.Nodes[:1]
	single, err := presets.NewSingle(first)
	if err != nil {
		return err
	}
	defer single.Close()

	client := single.Node.Client()
	src := adapter.NewRedisStore[[]byte](client, adapter.WithPrefix(prefix), adapter.WithCodec(cache.ByteCodec{}))
	c := cache.NewRedis[stampede.Entry[[]byte]](client, cache.JSONCodec{})
	mode := validator.ModeAlert
	if heal {
		mode = validator.ModeAutoHeal
	}
	n, err := validator.New[[]byte](c, src, mode, time.Minute, slog.Default()).Scan(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d drifted entries\n", n)
	return nil
}
