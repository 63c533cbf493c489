// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// OwnerLeads — Lead Qualification Pipeline
//
// Entry point for the pipeline service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL, Redis, and RabbitMQ
//  3. Serves webhook endpoints for gateway push updates
//  4. Consumes the new-ad, send-dm, and dm-response queues
//  5. Serves the operator API (leads, channels, greeting)
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ownerleads/pipeline/internal/broker"
	"github.com/ownerleads/pipeline/internal/classify"
	"github.com/ownerleads/pipeline/internal/config"
	"github.com/ownerleads/pipeline/internal/dedup"
	"github.com/ownerleads/pipeline/internal/dispatch"
	"github.com/ownerleads/pipeline/internal/ops"
	"github.com/ownerleads/pipeline/internal/pipeline"
	"github.com/ownerleads/pipeline/internal/quota"
	"github.com/ownerleads/pipeline/internal/store"
	"github.com/ownerleads/pipeline/internal/transport"
	"github.com/ownerleads/pipeline/internal/webhook"
)

func main() {
	// Optional .env for local development
	if err := godotenv.Load(); err != nil {
		// Containers and production hosts configure via the environment.
		slog.Debug("no .env file found")
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting lead qualification pipeline")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"hourly_dm_limit", cfg.HourlyDMLimit,
		"workers", cfg.Workers,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	ledger, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	filter := dedup.NewFilter(rdb)
	tracker := quota.NewTracker(rdb, cfg.HourlyDMLimit)

	// --- Connect to RabbitMQ ---
	queues, err := broker.Connect(cfg.AMQPURL)
	if err != nil {
		slog.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer queues.Close()
	slog.Info("connected to RabbitMQ")

	// --- Outbound gateway client ---
	messenger := transport.NewGatewayClient(cfg.GatewayBaseURL, cfg.GatewayToken)

	// --- Orchestrator and dispatcher ---
	orchestrator := pipeline.New(pipeline.Config{
		Ledger:     ledger,
		Marker:     filter,
		Publisher:  queues,
		Classifier: classify.RuleClassifier{},
	})

	dispatcher := dispatch.New(dispatch.Config{
		Ledger:    ledger,
		Marker:    filter,
		Quota:     tracker,
		Messenger: messenger,
		DelayMin:  cfg.SendDelayMin,
		DelayMax:  cfg.SendDelayMax,
	})

	// --- Webhook server for gateway updates ---
	handler := webhook.NewHandler(webhook.Config{
		Ledger:    ledger,
		Filter:    filter,
		Publisher: queues,
		Ads:       classify.KeywordAdFilter{},
		Secret:    cfg.WebhookSecret,
	})
	webhookReady, err := webhook.Serve(ctx, cfg.WebhookPort, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-webhookReady

	// --- Operator API ---
	api := ops.NewAPI(ledger, cfg.OpsToken).WithReadyCheck(func(ctx context.Context) error {
		if err := pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	})
	opsReady, err := ops.Serve(ctx, cfg.OpsPort, api)
	if err != nil {
		slog.Error("failed to start ops server", "error", err)
		os.Exit(1)
	}
	<-opsReady

	// --- Queue consumers ---
	if err := queues.Consume(ctx, broker.TopicNewAd, cfg.Workers, orchestrator.HandleNewAd); err != nil {
		slog.Error("failed to start new-ad consumer", "error", err)
		os.Exit(1)
	}
	if err := queues.Consume(ctx, broker.TopicDMResponse, cfg.Workers, orchestrator.HandleDMResponse); err != nil {
		slog.Error("failed to start dm-response consumer", "error", err)
		os.Exit(1)
	}
	// DM sends run single-file per process: the randomized pause between
	// sends is part of the throttling, not just the hourly ceiling.
	if err := queues.Consume(ctx, broker.TopicSendDM, 1, dispatcher.HandleSendRequest); err != nil {
		slog.Error("failed to start send-dm consumer", "error", err)
		os.Exit(1)
	}

	slog.Info("pipeline running",
		"webhook_port", cfg.WebhookPort,
		"ops_port", cfg.OpsPort,
	)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}
	cancel()

	queues.Close()
	rdb.Close()
	pgPool.Close()

	slog.Info("pipeline stopped")
}
