// Command latch runs commands under distributed Redis locks and inspects
// them.
//
//	latch once     -resource nightly -- ./report.sh
//	latch acquire  -resource nightly -timeout 30s -- ./report.sh
//	latch watchdog -resource leader
//	latch redlock  -nodes redis://a,redis://b,redis://c -resource nightly -- ./report.sh
//	latch rebuild  -key user:1
//	latch audit    -heal
//	latch inspect  -resource nightly
//	latch serve    -addr :2112
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
	"github.com/mirkobrombin/go-latch/v1/redlock"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

const usage = `usage: latch <command> [flags] [-- command args...]

commands:
  once      try the lock once and run a command while holding it
  acquire   wait for the lock and run a command while holding it
  watchdog  wait for the lock and hold it until interrupted
  redlock   run a command under a quorum lock
  rebuild   read a key through the stampede guard
  audit     compare cached values with the source and drop drifted ones
  inspect   show the owner and lease of a lock
  serve     expose metrics, lock events and a lock API over HTTP
`

// config is the flag surface shared by every subcommand.
type config struct {
	opts     presets.Options
	nodes    string
	resource string
	trace    bool
	natsURL  string
	kafka    string
}

func bind(fs *flag.FlagSet) *config {
	c := &config{opts: presets.Defaults()}
	def := os.Getenv("LATCH_REDIS_URLS")
	if def == "" {
		def = os.Getenv("LATCH_REDIS_URL")
	}
	if def == "" {
		def = "redis://localhost:6379"
	}
	fs.StringVar(&c.nodes, "nodes", def, "comma separated Redis URLs (env LATCH_REDIS_URLS or LATCH_REDIS_URL)")
	fs.StringVar(&c.resource, "resource", "", "lock resource name")
	fs.DurationVar(&c.opts.TTL, "ttl", c.opts.TTL, "lock lease")
	fs.DurationVar(&c.opts.AcquireTimeout, "timeout", c.opts.AcquireTimeout, "how long to wait for the lock, 0 for a single attempt")
	fs.DurationVar(&c.opts.RetryInterval, "retry", c.opts.RetryInterval, "base delay between attempts")
	fs.DurationVar(&c.opts.RenewInterval, "renew", c.opts.RenewInterval, "watchdog period, 0 for ttl/3")
	fs.DurationVar(&c.opts.NodeTimeout, "node-timeout", c.opts.NodeTimeout, "per node timeout of quorum calls")
	fs.Float64Var(&c.opts.DriftFactor, "drift", c.opts.DriftFactor, "clock drift factor of quorum locks")
	fs.BoolVar(&c.trace, "trace", false, "print spans to stdout")
	fs.StringVar(&c.natsURL, "nats", os.Getenv("LATCH_NATS_URL"), "publish release notifications over NATS instead of Redis")
	fs.StringVar(&c.kafka, "kafka", os.Getenv("LATCH_KAFKA_BROKERS"), "publish release notifications over Kafka (comma separated brokers)")
	return c
}

func (c *config) parse(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	c.opts.Nodes = nil
	for _, n := range strings.Split(c.nodes, ",") {
		if n = strings.TrimSpace(n); n != "" {
			c.opts.Nodes = append(c.opts.Nodes, n)
		}
	}
}

// bus returns the release notification bus. Without NATS or Kafka the first
// Redis node carries them over pub/sub.
func (c *config) bus(single *presets.Single) (syncbus.Bus, func(), error) {
	switch {
	case c.natsURL != "":
		conn, err := nats.Connect(c.natsURL)
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		return syncbus.NewNATSBus(conn), conn.Close, nil
	case c.kafka != "":
		cfg := sarama.NewConfig()
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
		b, err := syncbus.NewKafkaBus(strings.Split(c.kafka, ","), cfg, "")
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	case single != nil:
		b := syncbus.NewRedisBus(single.Node.Client())
		return b, func() { _ = b.Close() }, nil
	}
	return nil, func() {}, nil
}

func (c *config) tracing() func() {
	if !c.trace {
		return func() {}
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		log.Fatalf("trace exporter: %v", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(context.Background()) }
}

func (c *config) requireResource() {
	if c.resource == "" {
		log.Fatal("-resource is required")
	}
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("latch: ")
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := bind(fs)

	var err error
	switch cmd {
	case "once":
		cfg.parse(fs, args)
		cfg.opts.AcquireTimeout = 0
		err = runLocked(ctx, cfg, fs.Args())
	case "acquire":
		cfg.parse(fs, args)
		err = runLocked(ctx, cfg, fs.Args())
	case "watchdog":
		cfg.parse(fs, args)
		err = runLocked(ctx, cfg, nil)
	case "redlock":
		cfg.parse(fs, args)
		err = runQuorum(ctx, cfg, fs.Args())
	case "rebuild":
		key := fs.String("key", "", "key to read")
		prefix := fs.String("source-prefix", "source:", "Redis key prefix of the source of truth")
		cacheTTL := fs.Duration("cache-ttl", time.Minute, "how long a rebuilt value stays fresh")
		swr := fs.Duration("stale", 0, "stale-while-revalidate window")
		cfg.parse(fs, args)
		err = runRebuild(ctx, cfg, *key, *prefix, *cacheTTL, *swr)
	case "audit":
		prefix := fs.String("source-prefix", "source:", "Redis key prefix of the source of truth")
		heal := fs.Bool("heal", false, "invalidate drifted entries")
		cfg.parse(fs, args)
		err = runAudit(ctx, cfg, *prefix, *heal)
	case "inspect":
		cfg.parse(fs, args)
		err = runInspect(ctx, cfg)
	case "serve":
		addr := fs.String("addr", ":2112", "listen address")
		cfg.parse(fs, args)
		err = runServe(ctx, cfg, *addr)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.ExitCode())
		}
		if errors.Is(err, latcherrors.ErrAlreadyHeld) || errors.Is(err, latcherrors.ErrTimeout) || errors.Is(err, latcherrors.ErrNoQuorum) {
			log.Print(err)
			os.Exit(75)
		}
		log.Fatal(err)
	}
}

// runLocked acquires a single-node lock, keeps it alive with a watchdog and
// runs argv under it. Without argv it holds the lock until interrupted.
func runLocked(ctx context.Context, cfg *config, argv []string) error {
	cfg.requireResource()
	defer cfg.tracing()()

	single, err := presets.NewSingle(cfg.opts)
	if err != nil {
		return err
	}
	defer single.Close()
	bus, closeBus, err := cfg.bus(single)
	if err != nil {
		return err
	}
	defer closeBus()
	events := watchbus.NewRedisWatchBus(single.Node.Client())
	l := lock.New(single.Node, lock.WithBus(bus), lock.WithEvents(events))

	h, err := l.AcquireBlocking(ctx, cfg.resource, cfg.opts.TTL, cfg.opts.Backoff())
	if err != nil {
		return err
	}
	log.Printf("acquired %s (owner %s, ttl %v)", cfg.resource, watchbus.Fingerprint(h.Token()), h.TTL())
	defer func() {
		ok, err := l.Release(context.WithoutCancel(ctx), h)
		switch {
		case err != nil:
			log.Printf("release %s: %v", cfg.resource, err)
		case !ok:
			log.Printf("release %s: lock had already expired", cfg.resource)
		default:
			log.Printf("released %s", cfg.resource)
		}
	}()

	w, err := l.StartWatchdog(ctx, h, cfg.opts.RenewInterval)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Lost():
			return w.Err()
		}
	}
	return run(w.Context(), argv)
}

func runQuorum(ctx context.Context, cfg *config, argv []string) error {
	cfg.requireResource()
	if len(argv) == 0 {
		return errors.New("redlock needs a command to run")
	}
	defer cfg.tracing()()

	var opts []redlock.Option
	if cfg.natsURL != "" || cfg.kafka != "" {
		bus, closeBus, err := cfg.bus(nil)
		if err != nil {
			return err
		}
		defer closeBus()
		opts = append(opts, redlock.WithBus(bus))
	}
	q, err := presets.NewQuorum(cfg.opts, opts...)
	if err != nil {
		return err
	}
	defer q.Close()

	s, err := q.Redlock.AcquireBlocking(ctx, cfg.resource, cfg.opts.TTL, cfg.opts.Backoff())
	if err != nil {
		return err
	}
	log.Printf("acquired %s on %d/%d nodes, valid for %v", cfg.resource, len(s.Nodes()), len(q.Nodes), s.Validity())
	defer func() {
		n, err := q.Redlock.Release(context.WithoutCancel(ctx), s)
		if err != nil {
			log.Printf("release %s: %v", cfg.resource, err)
			return
		}
		log.Printf("released %s on %d nodes", cfg.resource, n)
	}()

	held, cancel := s.Context(ctx)
	defer cancel()
	return run(held, argv)
}

func runInspect(ctx context.Context, cfg *config) error {
	cfg.requireResource()
	single, err := presets.NewSingle(cfg.opts)
	if err != nil {
		return err
	}
	defer single.Close()

	st, err := single.Locker.Inspect(ctx, cfg.resource)
	if err != nil {
		return err
	}
	if !st.Held {
		fmt.Printf("%s\tfree\n", st.Key)
		return nil
	}
	fmt.Printf("%s\theld by %s\tttl %v\n", st.Key, st.Owner, st.TTL)
	return nil
}

// run executes argv and kills it when ctx is done, which is how a lost lock
// stops the work it was guarding.
func run(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	err := cmd.Run()
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, latcherrors.ErrLockLost) {
		return fmt.Errorf("%s stopped: %w", argv[0], cause)
	}
	return err
}
