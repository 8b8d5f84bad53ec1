// Command multichat runs the omnichannel support agent: an HTTP API in
// front of a durable graph pipeline with human-in-the-loop approval.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/AndreMMuniz/agent-multichat/chat"
	"github.com/AndreMMuniz/agent-multichat/config"
	"github.com/AndreMMuniz/agent-multichat/graph"
	redissaver "github.com/AndreMMuniz/agent-multichat/graph/checkpoint/redis"
	"github.com/AndreMMuniz/agent-multichat/graph/checkpoint/sqlite"
	"github.com/AndreMMuniz/agent-multichat/knowledge"
	"github.com/AndreMMuniz/agent-multichat/log"
	"github.com/AndreMMuniz/agent-multichat/model/openai"
	"github.com/AndreMMuniz/agent-multichat/server"
	"github.com/AndreMMuniz/agent-multichat/telemetry/trace"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "multichat",
		Short: "Omnichannel support agent with durable HITL pipeline",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.AddCommand(serveCmd(), seedCmd(), cleanupCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log.SetLevel(cfg.LogLevel)
			ctx := cmd.Context()

			if cfg.Tracing.Enabled {
				clean, err := trace.Start(ctx,
					trace.WithServiceName("agent-multichat"),
					trace.WithEndpoint(cfg.Tracing.Endpoint),
					trace.WithProtocol(cfg.Tracing.Protocol),
				)
				if err != nil {
					return fmt.Errorf("start tracing: %w", err)
				}
				defer clean()
			}

			db, err := openDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			saver, err := buildSaver(cfg, db)
			if err != nil {
				return err
			}
			defer saver.Close()

			store, err := chat.NewStore(db)
			if err != nil {
				return err
			}
			retriever := knowledge.NewKeywordRetriever(knowledgeDocs(cfg), 3)
			llm := openai.New(cfg.Model.Name,
				openai.WithBaseURL(cfg.Model.BaseURL),
				openai.WithAPIKey(cfg.Model.APIKey),
			)
			engine, err := chat.NewEngine(store, llm, retriever, saver)
			if err != nil {
				return err
			}
			defer engine.Close()

			httpServer := &http.Server{
				Addr:    cfg.Addr,
				Handler: server.New(engine).Handler(),
			}
			errCh := make(chan error, 1)
			go func() {
				log.Infof("listening on %s", cfg.Addr)
				errCh <- httpServer.ListenAndServe()
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				log.Infof("received %s, shutting down", sig)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			}
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed the few-shot dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			db, err := openDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			store, err := chat.NewStore(db)
			if err != nil {
				return err
			}
			for _, item := range seedItems() {
				if err := store.InsertDatasetItem(cmd.Context(), item); err != nil {
					return err
				}
			}
			log.Infof("seeded %d dataset items", len(seedItems()))
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove a user's conversations, profile and checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			db, err := openDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			store, err := chat.NewStore(db)
			if err != nil {
				return err
			}
			if err := store.DeleteUserData(cmd.Context(), userID); err != nil {
				return err
			}
			saver, err := buildSaver(cfg, db)
			if err != nil {
				return err
			}
			defer saver.Close()
			if err := saver.DeleteLineage(cmd.Context(), chat.ThreadID(userID)); err != nil {
				return err
			}
			log.Infof("removed all data for user %s", userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user identifier to remove")
	return cmd
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func buildSaver(cfg *config.Config, db *sql.DB) (graph.CheckpointSaver, error) {
	switch cfg.CheckpointStore {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return redissaver.NewSaver(client), nil
	default:
		return sqlite.NewSaver(db)
	}
}

func knowledgeDocs(cfg *config.Config) []knowledge.Document {
	docs := make([]knowledge.Document, 0, len(cfg.Knowledge))
	for _, d := range cfg.Knowledge {
		docs = append(docs, knowledge.Document{ID: d.ID, Title: d.Title, Content: d.Content})
	}
	return docs
}

func seedItems() []chat.DatasetItem {
	return []chat.DatasetItem{
		{
			UserInput:      "Quanto custa o plano premium?",
			ExpectedIntent: "SALES",
			Category:       "sales",
			Quality:        "gold",
			Source:         "manual",
		},
		{
			UserInput:      "Meu acesso parou de funcionar, aparece erro 403",
			ExpectedIntent: "SUPPORT",
			Category:       "support",
			Quality:        "gold",
			Source:         "manual",
		},
		{
			UserInput:      "Isso é um absurdo, fui cobrado duas vezes!",
			ExpectedIntent: "COMPLAINT",
			Category:       "complaint",
			Quality:        "gold",
			Source:         "manual",
		},
		{
			UserInput:      "Bom dia, tudo bem?",
			ExpectedIntent: "GENERAL",
			Category:       "general",
			Quality:        "gold",
			Source:         "manual",
		},
		{
			UserInput:        "Qual o horário de atendimento?",
			ExpectedIntent:   "GENERAL",
			ExpectedResponse: "Nosso atendimento funciona de segunda a sexta, das 9h às 18h.",
			Category:         "general",
			Quality:          "gold",
			Source:           "manual",
		},
	}
}
