package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/lorosync/hub/hub"
)

const Version = "0.1.0"

func main() {
	usage := `Loro collaboration hub relay.

The jwt secret is read from the LORO_JWT_SECRET environment variable. When
unset, every connection is admitted.

Usage:
    relay serve [--listen=<listen>] [--path=<path>]
        [--store=<store>]
        [--db_url=<db_url>]
        [--bolt_path=<bolt_path>]
        [--redis_addr=<redis_addr>]
        [--debounce=<debounce>]
        [--max_debounce=<max_debounce>]
        [--unload_delay=<unload_delay>]
        [--verbose=<verbose>]
    relay mint --doc=<doc>... [--ttl=<ttl>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --listen=<listen>            Listen address [default: :8787].
    --path=<path>                Websocket path [default: /sync].
    --store=<store>              One of memory, bolt, postgres [default: memory].
    --db_url=<db_url>            Postgres url for --store=postgres.
    --bolt_path=<bolt_path>      Bolt file for --store=bolt [default: relay.db].
    --redis_addr=<redis_addr>    Optional redis address for presence fanout.
    --debounce=<debounce>        Persist debounce [default: 2s].
    --max_debounce=<max_debounce>  Persist hard deadline [default: 10s].
    --unload_delay=<unload_delay>  Idle unload delay [default: 30s].
    --ttl=<ttl>                  Minted token lifetime [default: 24h].
    --verbose=<verbose>          Glog verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	verbose, _ := opts.String("--verbose")
	flag.CommandLine.Parse([]string{
		"-logtostderr=true",
		"-v=" + verbose,
	})

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if mint_, _ := opts.Bool("mint"); mint_ {
		mint(opts)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	path, _ := opts.String("--path")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore := newStore(cancelCtx, opts)
	defer closeStore()

	authenticator := newAuthenticator()

	settings := hub.DefaultRelaySettings()
	settings.DocumentSettings.Debounce = requireDuration(opts, "--debounce")
	settings.DocumentSettings.MaxDebounce = requireDuration(opts, "--max_debounce")
	settings.DocumentSettings.UnloadDelay = requireDuration(opts, "--unload_delay")

	relay := hub.NewRelay(cancelCtx, store, newReplica(), authenticator, settings)
	defer relay.Close()

	if redisAddr, err := opts.String("--redis_addr"); err == nil && redisAddr != "" {
		wireRedisPresence(cancelCtx, relay, redisAddr)
	}

	mux := http.NewServeMux()
	mux.Handle(path, relay)

	server := &http.Server{
		Addr:    listen,
		Handler: mux,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		select {
		case <-sig:
		case <-cancelCtx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		cancel()
	}()

	glog.Infof("relay listening on %s%s\n", listen, path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("listen = %s\n", err)
		os.Exit(1)
	}
}

func mint(opts docopt.Opts) {
	secret := os.Getenv("LORO_JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "LORO_JWT_SECRET is not set")
		os.Exit(1)
	}
	docs := opts["--doc"].([]string)
	ttl := requireDuration(opts, "--ttl")
	token, err := hub.MintToken([]byte(secret), docs, "", ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mint: %s\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func newStore(ctx context.Context, opts docopt.Opts) (hub.DocumentStore, func()) {
	storeKind, _ := opts.String("--store")
	switch storeKind {
	case "memory":
		return hub.NewMemoryStore(), func() {}
	case "bolt":
		boltPath, _ := opts.String("--bolt_path")
		store, err := hub.NewBoltStore(boltPath)
		if err != nil {
			glog.Errorf("bolt store = %s\n", err)
			os.Exit(1)
		}
		return store, func() {
			store.Close()
		}
	case "postgres":
		dbUrl, err := opts.String("--db_url")
		if err != nil || dbUrl == "" {
			fmt.Fprintln(os.Stderr, "--db_url is required for --store=postgres")
			os.Exit(1)
		}
		store, err := hub.NewPgStore(ctx, dbUrl)
		if err != nil {
			glog.Errorf("postgres store = %s\n", err)
			os.Exit(1)
		}
		return store, store.Close
	default:
		fmt.Fprintf(os.Stderr, "unknown store %q\n", storeKind)
		os.Exit(1)
		return nil, nil
	}
}

func newAuthenticator() hub.Authenticator {
	secret := os.Getenv("LORO_JWT_SECRET")
	if secret == "" {
		glog.Infof("LORO_JWT_SECRET unset, admitting all connections\n")
		return hub.AllowAll()
	}
	return hub.NewJwtAuthenticator([]byte(secret))
}

// the crdt engine is external. the relay only needs the replica capability
// interface; a deployment links its engine binding here. the default is a
// relay only replica that stores updates without interpreting them
func newReplica() hub.ReplicaFactory {
	return hub.NewLogReplica
}

// presence deltas from sibling relay nodes fan out through redis into every
// local document
func wireRedisPresence(ctx context.Context, relay *hub.Relay, redisAddr string) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		glog.Errorf("redis = %s\n", err)
		os.Exit(1)
	}
	glog.Infof("presence fanout via redis at %s\n", redisAddr)
	relay.SetEphemeralFanout(func(ctx context.Context, documentName string) hub.EphemeralStore {
		return hub.NewRedisEphemeralStoreWithDefaults(ctx, client, documentName)
	})
}

func requireDuration(opts docopt.Opts, key string) time.Duration {
	value, _ := opts.String(key)
	duration, err := time.ParseDuration(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", key, err)
		os.Exit(1)
	}
	return duration
}
