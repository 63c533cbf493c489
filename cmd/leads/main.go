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

// OwnerLeads — Lead Review Command
//
// Standalone CLI tool that prints recently confirmed owner leads straight
// from the database. Intended for quick operator review without going
// through the HTTP API.
//
// Usage:
//
//	go run ./cmd/leads/ [--limit 20] [--json]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ownerleads/pipeline/internal/config"
	"github.com/ownerleads/pipeline/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	limitFlag := flag.Int("limit", 20, "Maximum number of leads to print, newest first")
	jsonFlag := flag.Bool("json", false, "Emit leads as a JSON array instead of a table")
	flag.Parse()

	if *limitFlag < 1 {
		fmt.Fprintf(os.Stderr, "Error: --limit must be positive\n")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	ledger, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	leads, err := ledger.ListRecentLeads(ctx, *limitFlag)
	if err != nil {
		slog.Error("failed to list leads", "error", err)
		os.Exit(1)
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if leads == nil {
			leads = []store.LeadSummary{}
		}
		if err := enc.Encode(leads); err != nil {
			slog.Error("failed to encode leads", "error", err)
			os.Exit(1)
		}
		return
	}

	if len(leads) == 0 {
		fmt.Println("no leads yet")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FOUND\tHANDLE\tUSER ID\tRESPONSE\tAD")
	for _, l := range leads {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			l.FoundAt.Format("2006-01-02 15:04"),
			l.Handle,
			l.UserID,
			truncate(l.Response, 40),
			truncate(l.AdText, 60),
		)
	}
	w.Flush()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
