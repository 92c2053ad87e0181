package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"fenrir/api/rest"
	"fenrir/api/ws"
	"fenrir/domain/match"
	"fenrir/infra/config"
	"fenrir/infra/depthcache"
	"fenrir/infra/eventlog"
	"fenrir/infra/kafka"
	"fenrir/infra/logging"
	"fenrir/infra/outbox"
	"fenrir/jobs/broadcaster"
	"fenrir/service"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ---------------- Event log ----------------

	log, err := eventlog.Open(eventlog.Config{Dir: cfg.EventLogDir})
	if err != nil {
		logger.Fatal("event log open failed", zap.Error(err))
	}
	defer log.Close()

	// ---------------- Outbox ----------------

	box, err := outbox.Open(cfg.OutboxDir)
	if err != nil {
		logger.Fatal("outbox open failed", zap.Error(err))
	}
	defer box.Close()

	// ---------------- Depth cache ----------------

	var depth *depthcache.Cache
	if cfg.RedisAddr != "" {
		depth = depthcache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DepthTTL)
		defer depth.Close()
	}

	// ---------------- Dispatcher (replays before accepting) ----------------

	var depthWriter service.DepthWriter
	if depth != nil {
		depthWriter = depth
	}
	dispatcher, err := service.NewDispatcher(log, box, depthWriter, cfg.Instruments, logger)
	if err != nil {
		logger.Fatal("recovery failed", zap.Error(err))
	}
	logger.Info("dispatcher ready", zap.Strings("instruments", cfg.Instruments))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---------------- Market-data fanout ----------------

	hub := ws.NewHub(logger)
	go hub.Run()

	// ---------------- Broadcaster ----------------

	producer, err := broadcaster.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		logger.Fatal("event producer init failed", zap.Error(err))
	}
	bc := broadcaster.New(box, producer, cfg.EventTopic, cfg.BroadcastInterval, logger)
	bc.SetLocalSink(hub.Broadcast)
	defer bc.Close()
	go bc.Run(ctx)

	// ---------------- Command consumer ----------------

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.CommandTopic, cfg.ConsumerGroup, logger)
	defer consumer.Close()
	go func() {
		err := consumer.Run(ctx, func(ctx context.Context, cmd match.Command) (bool, error) {
			_, err := dispatcher.Apply(ctx, cmd)
			return isFinal(err), err
		})
		if err != nil {
			logger.Error("command consumer stopped", zap.Error(err))
			cancel()
		}
	}()

	// ---------------- HTTP gateway ----------------

	cmdProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.CommandTopic)
	defer cmdProducer.Close()

	var depthReader rest.DepthReader
	if depth != nil {
		depthReader = depth
	}
	srv := rest.NewServer(cmdProducer, dispatcher, depthReader, logger)
	srv.MountStream(hub)
	go func() {
		if err := srv.Run(cfg.HTTPAddr); err != nil {
			logger.Error("http server exited", zap.Error(err))
			cancel()
		}
	}()
	logger.Info("gateway listening", zap.String("addr", cfg.HTTPAddr))

	<-ctx.Done()
	logger.Info("shutting down")
}

// isFinal reports whether a command outcome is settled: nothing redelivery
// could change. Halted streams and storage faults are not final; the
// transport must hold the command for after recovery.
func isFinal(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, match.ErrOrderNotFound) ||
		errors.Is(err, match.ErrInvalidReduce) ||
		errors.Is(err, match.ErrMissingClientID) ||
		errors.Is(err, match.ErrUnknownCommand) ||
		errors.Is(err, service.ErrUnknownInstrument)
}
