// live-relay: websocket relay between Live API clients and Vertex AI.
// Shares one upstream connection per room and archives conversation text.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-live/internal/config"
	"github.com/teslashibe/go-live/internal/gauth"
	"github.com/teslashibe/go-live/internal/log"
	"github.com/teslashibe/go-live/pkg/archive"
	"github.com/teslashibe/go-live/pkg/metrics"
	"github.com/teslashibe/go-live/pkg/relay"
)

var version = "1.0.0"

func main() {
	env, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	port := flag.Int("port", env.Port, "HTTP server port")
	model := flag.String("model", config.String("GEMINI_MODEL_ID", env.Model), "Model id enforced on every setup")
	bucket := flag.String("bucket", env.ArchiveBucket, "GCS bucket for rooms and transcripts (empty keeps them in memory)")
	grace := flag.Duration("grace", relay.DefaultGrace, "How long an empty room keeps its upstream connection")
	debug := flag.Bool("debug", false, "Enable debug logging and request logs")
	flag.Parse()

	level := env.LogLevel
	if *debug {
		level = "debug"
	}
	log.Init(level)
	l := log.L()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.Default()

	ts, err := gauth.DefaultTokenSource(ctx)
	if err != nil {
		l.Warn("no default credentials, clients must send a bearer token", "error", err)
	}

	sink, err := newSink(ctx, env, *bucket, l)
	if err != nil {
		l.Error("archive unavailable", "error", err)
		os.Exit(1)
	}
	archiver := archive.NewLogger(sink, m, l)

	var store relay.Store
	if *bucket != "" {
		gcs, err := relay.NewGCSStore(ctx, *bucket)
		if err != nil {
			l.Error("room store unavailable", "error", err)
			os.Exit(1)
		}
		store = gcs
	}
	dir := relay.NewRooms(store, l)
	if err := dir.Restore(ctx); err != nil {
		l.Warn("rooms not restored", "error", err)
	}

	r := relay.New(relay.Options{
		Model:       *model,
		TokenSource: ts,
		Rooms:       dir,
		Archive:     archiver,
		Metrics:     m,
		Grace:       *grace,
	}, l)

	app := fiber.New(fiber.Config{
		AppName:               "live-relay",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if *debug {
		app.Use(logger.New())
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"version":  version,
			"sessions": r.SessionCount(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	r.RegisterAPIRoutes(app)
	r.RegisterRoutes(app)

	go func() {
		addr := fmt.Sprintf(":%d", *port)
		l.Info("relay listening", "addr", addr, "model", *model, "bucket", *bucket, "version", version)
		if err := app.Listen(addr); err != nil {
			l.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	l.Info("shutting down")

	r.Shutdown()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		l.Warn("shutdown error", "error", err)
	}
	if err := archiver.Close(); err != nil {
		l.Warn("archive close", "error", err)
	}
}

// newSink picks Kafka when brokers are configured, then GCS, then logs only.
func newSink(ctx context.Context, env config.Config, bucket string, l *slog.Logger) (archive.Sink, error) {
	switch {
	case len(env.KafkaBrokers) > 0:
		l.Info("archiving to kafka", "brokers", env.KafkaBrokers, "topic", env.KafkaTopic)
		sink, err := archive.NewKafkaSink(archive.KafkaConfig{Brokers: env.KafkaBrokers, Topic: env.KafkaTopic})
		if err != nil {
			return nil, err
		}
		return sink, nil
	case bucket != "":
		l.Info("archiving to gcs", "bucket", bucket)
		sink, err := archive.NewGCSSink(ctx, bucket)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return archive.NewLogSink(l), nil
	}
}
