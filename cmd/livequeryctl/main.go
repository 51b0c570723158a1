package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	json "github.com/goccy/go-json"

	"github.com/coachpo/livequery/internal/controller"
	"github.com/coachpo/livequery/internal/infra/adapters/httpstore"
	"github.com/coachpo/livequery/internal/infra/auth"
	"github.com/coachpo/livequery/internal/infra/config"
)

const (
	ctlVersion   = "0.1.0"
	devJWTSecret = "livequery-dev-secret"
)

var (
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "livequeryctl ", log.LstdFlags|log.Lmicroseconds)
)

func main() {
	usage := `Live query control.

Filters take the form field:op:value where op is one of ==, !=, <, <=, >, >=, in,
not-in or array-contains. Values are decoded as JSON when possible.

Usage:
    livequeryctl query [--config=<path>] <collection>
        [--where=<filter>...] [--order=<field>] [--desc] [--limit=<n>]
        [--consumer=<id>] [--no-cache] [--no-retry] [--max-retries=<n>]
    livequeryctl watch [--config=<path>] <collection>
        [--where=<filter>...] [--order=<field>] [--desc] [--limit=<n>]
        [--consumer=<id>] [--no-cache] [--max-retries=<n>]
    livequeryctl token [--config=<path>] <subject>
        [--collection=<name>...] [--admin] [--ttl=<duration>]
    livequeryctl put [--config=<path>] <collection> <id> <fields>
    livequeryctl delete [--config=<path>] <collection> <id>
    livequeryctl interrupt [--config=<path>] <collection>

Options:
    -h --help                Show this screen.
    --version                Show version.
    --config=<path>          Configuration file [default: config/app.yaml].
    --where=<filter>         Filter clause, repeatable.
    --order=<field>          Order results by field.
    --desc                   Order descending.
    --limit=<n>              Cap the number of results.
    --consumer=<id>          Consumer id used for notification throttling [default: livequeryctl].
    --no-cache               Bypass the shared result cache.
    --no-retry               Fail on the first error.
    --max-retries=<n>        Override the retry budget.
    --collection=<name>      Readable collection, repeatable. Defaults to all.
    --admin                  Grant write and interrupt access.
    --ttl=<duration>         Token lifetime [default: 1h].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ctlVersion)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configPath, _ := opts.String("--config")
	cfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		Err.Fatalf("load config: %v", err)
	}

	switch {
	case flag(opts, "query"):
		err = runQuery(ctx, cfg, opts)
	case flag(opts, "watch"):
		err = runWatch(ctx, cfg, opts)
	case flag(opts, "token"):
		err = runToken(cfg, opts)
	case flag(opts, "put"):
		err = runPut(ctx, cfg, opts)
	case flag(opts, "delete"):
		err = runDelete(ctx, cfg, opts)
	case flag(opts, "interrupt"):
		err = runInterrupt(ctx, cfg, opts)
	}
	if err != nil {
		Err.Fatalf("%v", err)
	}
}

func flag(opts docopt.Opts, key string) bool {
	v, _ := opts.Bool(key)
	return v
}

func stringList(opts docopt.Opts, key string) []string {
	if v, ok := opts[key].([]string); ok {
		return v
	}
	return nil
}

func consumerConfig(opts docopt.Opts, realTime bool) (controller.Config, error) {
	collection, _ := opts.String("<collection>")
	orderBy, _ := opts.String("--order")
	limit := 0
	if raw, err := opts.String("--limit"); err == nil && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return controller.Config{}, fmt.Errorf("limit: %w", err)
		}
		limit = n
	}
	builder, err := filterBuilder(stringList(opts, "--where"), orderBy, flag(opts, "--desc"), limit)
	if err != nil {
		return controller.Config{}, err
	}
	consumer, _ := opts.String("--consumer")
	cfg := controller.Config{
		ConsumerID:   consumer,
		Collection:   collection,
		Filter:       builder,
		RealTime:     realTime,
		CacheEnabled: !flag(opts, "--no-cache"),
		RetryOnError: !flag(opts, "--no-retry"),
	}
	if raw, err := opts.String("--max-retries"); err == nil && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return controller.Config{}, fmt.Errorf("max-retries must be a non-negative integer")
		}
		cfg.MaxRetries = n
	}
	return cfg, nil
}

func notificationSink(mu *sync.Mutex) controller.Sink {
	return controller.SinkFunc(func(n controller.Notification) {
		mu.Lock()
		defer mu.Unlock()
		Err.Printf("notification %s", mustJSON(notificationView{
			ID:         n.ID,
			Consumer:   n.ConsumerID,
			Collection: n.Collection,
			Message:    n.Message,
			Class:      n.Class.String(),
			At:         n.At,
		}))
	})
}

func runQuery(ctx context.Context, cfg config.AppConfig, opts docopt.Opts) error {
	consumer, err := consumerConfig(opts, false)
	if err != nil {
		return err
	}
	var mu sync.Mutex
	s, err := buildStack(ctx, cfg, notificationSink(&mu), quietLogger())
	if err != nil {
		return err
	}
	defer s.Close()

	ctrl, err := controller.New(s.deps(), consumer)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	loadErr := ctrl.Start(ctx)
	mu.Lock()
	defer mu.Unlock()
	if err := writeLine(os.Stdout, viewOf(ctrl.State())); err != nil {
		return err
	}
	return loadErr
}

func runWatch(ctx context.Context, cfg config.AppConfig, opts docopt.Opts) error {
	consumer, err := consumerConfig(opts, true)
	if err != nil {
		return err
	}
	var mu sync.Mutex
	consumer.OnChange = func(state controller.State) {
		mu.Lock()
		defer mu.Unlock()
		if err := writeLine(os.Stdout, viewOf(state)); err != nil {
			Err.Printf("write state: %v", err)
		}
	}
	s, err := buildStack(ctx, cfg, notificationSink(&mu), quietLogger())
	if err != nil {
		return err
	}
	defer s.Close()

	ctrl, err := controller.New(s.deps(), consumer)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func runToken(cfg config.AppConfig, opts docopt.Opts) error {
	secret := cfg.Server.JWTSecret
	if secret == "" {
		secret = devJWTSecret
	}
	authority, err := auth.NewAuthority(secret, nil)
	if err != nil {
		return err
	}
	subject, _ := opts.String("<subject>")
	collections := stringList(opts, "--collection")
	if len(collections) == 0 {
		collections = []string{auth.Wildcard}
	}
	ttl := auth.DefaultTTL
	if raw, err := opts.String("--ttl"); err == nil && raw != "" {
		if ttl, err = time.ParseDuration(raw); err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
	}
	token, err := authority.Issue(subject, collections, flag(opts, "--admin"), ttl)
	if err != nil {
		return err
	}
	Out.Print(token)
	return nil
}

func adminClient(cfg config.AppConfig) (*httpstore.Client, error) {
	return httpstore.New(httpstore.Config{
		BaseURL:        cfg.Remote.BaseURL,
		Token:          cfg.Remote.Token,
		RequestTimeout: cfg.Remote.RequestTimeout,
	})
}

func runPut(ctx context.Context, cfg config.AppConfig, opts docopt.Opts) error {
	collection, _ := opts.String("<collection>")
	id, _ := opts.String("<id>")
	raw, _ := opts.String("<fields>")
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return fmt.Errorf("fields must be a JSON object: %w", err)
	}
	client, err := adminClient(cfg)
	if err != nil {
		return err
	}
	record, err := client.Put(ctx, collection, id, fields)
	if err != nil {
		return err
	}
	return writeLine(os.Stdout, record)
}

func runDelete(ctx context.Context, cfg config.AppConfig, opts docopt.Opts) error {
	collection, _ := opts.String("<collection>")
	id, _ := opts.String("<id>")
	client, err := adminClient(cfg)
	if err != nil {
		return err
	}
	return client.Delete(ctx, collection, id)
}

func runInterrupt(ctx context.Context, cfg config.AppConfig, opts docopt.Opts) error {
	collection, _ := opts.String("<collection>")
	client, err := adminClient(cfg)
	if err != nil {
		return err
	}
	n, err := client.Interrupt(ctx, collection)
	if err != nil {
		return err
	}
	Out.Printf("interrupted %d subscriber(s) on %s", n, collection)
	return nil
}

func quietLogger() *log.Logger {
	if strings.EqualFold(os.Getenv("LIVEQUERY_DEBUG"), "true") {
		return Err
	}
	return log.New(io.Discard, "", 0)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
