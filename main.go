package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"collabengine/broadcast"
	"collabengine/docstore"
	"collabengine/gateway"
	"collabengine/instance"
	"collabengine/persistence"
	"collabengine/registry"
	"collabengine/tool"
	"collabengine/tool/schemadesign"
	"collabengine/users"
)

func newLogger(development bool, level string) (*zap.Logger, error) {
	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return config.Build()
}

func main() {
	var (
		addr            = flag.String("addr", ":8080", "listen address")
		mongoURI        = flag.String("mongo-uri", "", "mongodb connection uri (empty runs in-memory)")
		mongoDB         = flag.String("mongo-db", "collabengine", "mongodb database name")
		redisAddr       = flag.String("redis-addr", "", "redis address for multi-node relay (empty disables)")
		evictionTimeout = flag.Duration("eviction-timeout", 60*time.Second, "idle time before a document is evicted")
		coalesceWindow  = flag.Duration("coalesce-window", gateway.DefaultCoalesceWindow, "awareness batching window")
		development     = flag.Bool("dev", false, "development logging")
		logLevel        = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger, err := newLogger(*development, *logLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var (
		store       docstore.Store
		mongoClient *mongo.Client
		resolver    instance.Resolver
		directory   users.Directory
	)
	if *mongoURI != "" {
		mongoClient, err = mongo.Connect(ctx, options.Client().ApplyURI(*mongoURI))
		if err != nil {
			logger.Fatal("Failed to connect to mongodb", zap.Error(err))
		}
		if err := mongoClient.Ping(ctx, nil); err != nil {
			logger.Fatal("Failed to ping mongodb", zap.Error(err))
		}
		db := mongoClient.Database(*mongoDB)

		mongoStore, err := docstore.NewMongoStore(ctx, mongoClient, *mongoDB, logger)
		if err != nil {
			logger.Fatal("Failed to initialize document store", zap.Error(err))
		}
		store = mongoStore
		resolver = instance.NewMongoService(db, logger)
		directory = users.NewMongoDirectory(db)
		logger.Info("Using mongodb storage", zap.String("database", *mongoDB))
	} else {
		store = docstore.NewMemoryStore()
		resolver = instance.NewMemoryResolver()
		directory = users.NewMemoryDirectory()
		logger.Warn("Running with in-memory storage, documents will not survive a restart")
	}

	svc := persistence.NewService(store, logger)

	tools := tool.NewRegistry()
	if err := tools.Register(schemadesign.New()); err != nil {
		logger.Fatal("Failed to register tool", zap.Error(err))
	}

	reg := registry.NewRegistry(svc, tools, logger,
		registry.WithEvictionTimeout(*evictionTimeout))
	reg.Start()

	hub := broadcast.NewHub(logger)
	var broadcaster broadcast.Broadcaster = hub
	var relay *broadcast.RedisRelay
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to ping redis", zap.Error(err))
		}
		relay = broadcast.NewRedisRelay(hub, client, logger)
		if err := relay.Start(context.Background()); err != nil {
			logger.Fatal("Failed to start redis relay", zap.Error(err))
		}
		broadcaster = relay
	}

	gw, err := gateway.New(reg, resolver, directory, hub, broadcaster,
		gateway.PassthroughVerifier{}, logger,
		gateway.WithCoalesceWindow(*coalesceWindow))
	if err != nil {
		logger.Fatal("Failed to create gateway", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/collab", gw)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		logger.Info("Listening", zap.String("addr", *addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown failed", zap.Error(err))
	}
	gw.Close()
	if relay != nil {
		if err := relay.Close(); err != nil {
			logger.Warn("Relay shutdown failed", zap.Error(err))
		}
	}
	reg.Close()
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("Store shutdown failed", zap.Error(err))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			logger.Warn("Mongodb disconnect failed", zap.Error(err))
		}
	}
	logger.Info("Shutdown complete")
}
