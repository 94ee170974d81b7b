package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/astromechza/notesync/pkg/gateway"
	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/notify"
	"github.com/astromechza/notesync/pkg/realtime"
	"github.com/astromechza/notesync/pkg/storage/sqlite"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(name)); err == nil {
		return d
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if i, err := strconv.Atoi(os.Getenv(name)); err == nil {
		return i
	}
	return fallback
}

func newRouter(db *sqlite.DB, svc *realtime.Service, auth gateway.Authenticator, gcfg gateway.Config, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	(&api{db: db, svc: svc, auth: auth}).register(r)
	gateway.New(svc, auth, gcfg, logger).Register(r)
	r.Methods(http.MethodGet).Path("/metrics").Handler(metrics.Handler())
	return r
}

func mainInner() error {
	rcfg := realtime.DefaultConfig()
	gcfg := gateway.DefaultConfig()

	addrVar := flag.String("addr", envOr("NOTESYNC_ADDR", "localhost:8080"), "the address to listen on")
	dbVar := flag.String("db", envOr("NOTESYNC_DB", "notesync.sqlite3"), "the sqlite database file")
	redisVar := flag.String("redis", envOr("NOTESYNC_REDIS", ""), "redis address used to share permission changes between servers, empty to stay in process")
	logJSONVar := flag.Bool("log-json", envOr("NOTESYNC_LOG_JSON", "") != "", "log as json instead of text")
	issueTokenVar := flag.String("issue-token", "", "issue a token for the given user id, print it and exit")

	flag.DurationVar(&rcfg.PersistInterval, "persist-interval", envDuration("NOTESYNC_PERSIST_INTERVAL", rcfg.PersistInterval), "debounce between the first unsaved edit and its revision")
	flag.DurationVar(&rcfg.GracePeriod, "grace-period", envDuration("NOTESYNC_GRACE_PERIOD", rcfg.GracePeriod), "how long an empty session is kept")
	flag.DurationVar(&rcfg.FlushTimeout, "flush-timeout", envDuration("NOTESYNC_FLUSH_TIMEOUT", rcfg.FlushTimeout), "timeout of a single revision write")
	flag.IntVar(&rcfg.QueueSize, "queue-size", envInt("NOTESYNC_QUEUE_SIZE", rcfg.QueueSize), "outbound events buffered per client before it is disconnected")
	flag.DurationVar(&gcfg.IdleTimeout, "idle-timeout", envDuration("NOTESYNC_IDLE_TIMEOUT", gcfg.IdleTimeout), "close connections silent for this long")
	flag.DurationVar(&gcfg.PingInterval, "ping-interval", envDuration("NOTESYNC_PING_INTERVAL", gcfg.PingInterval), "websocket ping interval")
	flag.DurationVar(&gcfg.JoinTimeout, "join-timeout", envDuration("NOTESYNC_JOIN_TIMEOUT", gcfg.JoinTimeout), "time allowed to join a note")
	flag.BoolVar(&gcfg.AllowGuests, "allow-guests", envOr("NOTESYNC_ALLOW_GUESTS", "") != "", "admit connections without credentials as guests")
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})
	if *logJSONVar {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := rcfg.Validate(); err != nil {
		return fmt.Errorf("invalid realtime config: %w", err)
	}
	if err := gcfg.Validate(); err != nil {
		return fmt.Errorf("invalid gateway config: %w", err)
	}

	slog.Info("opening database", "path", *dbVar)
	db, err := sqlite.Open(*dbVar, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if *issueTokenVar != "" {
		token, err := db.IssueToken(context.Background(), *issueTokenVar, *issueTokenVar, 30*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	var events realtime.PermissionEvents
	if *redisVar != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisVar})
		defer rdb.Close()
		bus := notify.NewRedis(rdb, notify.DefaultChannel, logger)
		db.SetPublisher(bus)
		events = bus
		slog.Info("sharing permission changes over redis", "addr", *redisVar)
	} else {
		hub := notify.NewHub(64, logger)
		db.SetPublisher(hub)
		events = hub
	}

	scheduler := realtime.NewScheduler(db, rcfg, logger)
	store := realtime.NewStore(db, scheduler, rcfg, logger)
	svc := realtime.NewService(store, db, rcfg, logger)
	auth := gateway.NewTokenAuthenticator(db, "")

	r := newRouter(db, svc, auth, gcfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.WatchPermissions(ctx, events); err != nil {
			slog.Error("failed to watch permission changes", "err", err)
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("signal caught", "sig", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), rcfg.FlushTimeout+5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "err", err)
	}
	// websockets are hijacked and outlive Shutdown; closing the store disconnects them and
	// writes a final revision of every live note
	if err := store.Close(shutdownCtx); err != nil {
		slog.Error("failed to flush all notes", "err", err)
	}
	cancel()

	wg.Wait()
	return nil
}
