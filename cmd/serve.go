package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chatassistant/internal/api"
	"chatassistant/internal/assistants"
	"chatassistant/internal/chatgpt"
	"chatassistant/internal/conversation"
	"chatassistant/internal/faqs"
	"chatassistant/internal/functions"
	"chatassistant/internal/metrics"
	"chatassistant/internal/products"
	"chatassistant/internal/search"
	"chatassistant/internal/telegram"
	"chatassistant/pkg/config"
	"chatassistant/pkg/db"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var skipMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, Telegram webhooks and the cleanup loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), config.LoadConfig())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on startup")
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewPostgresDB(cfg)
	if err != nil {
		return fmt.Errorf("ошибка при подключении к базе данных: %w", err)
	}
	defer database.Close()

	if !skipMigrate {
		if err := db.Migrate(ctx, database); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	llm := chatgpt.NewService(cfg)

	var embedder search.Embedder
	if cfg.OpenAIKey != "" {
		embedder = llm
	} else {
		logrus.Warn("OPENAI_KEY не задан, семантический поиск отключен")
	}
	index := search.NewIndex(embedder, cfg.SemanticThreshold)

	assistantService, err := assistants.NewService(assistants.NewRepository(database), cfg.CacheMaxCost)
	if err != nil {
		return err
	}
	defer assistantService.Close()

	faqService := faqs.NewService(faqs.NewRepository(database), index)
	productService := products.NewService(products.NewRepository(database), index)

	conversationService := conversation.NewService(conversation.Deps{
		Store:      conversation.NewRepository(database),
		LLM:        llm,
		Knowledge:  faqService,
		Catalog:    productService,
		Actions:    functions.NewExecutor(assistantService, nil, cfg.ActionTimeout),
		Assistants: assistantService,
		Metrics:    m,
	}, cfg.PredictTimeout, cfg.ActionTimeout)

	telegramService := telegram.NewService(
		telegram.NewRepository(database),
		telegram.NewRegistry(),
		conversationService,
		assistantService,
		nil,
		cfg.PublicURL,
	)
	if _, err := telegramService.Restore(ctx); err != nil {
		logrus.Errorf("Ошибка восстановления Telegram ботов: %v", err)
	}

	cleanupDone := conversationService.StartCleanup(ctx, cfg.CleanupInterval, cfg.ConversationIdleTTL)

	handler := api.NewHandler(conversationService, assistantService, faqService, productService, telegramService)
	server := &http.Server{
		Addr: net.JoinHostPort(cfg.ServerHost, cfg.ServerPort),
		Handler: handler.Routes(api.RouterConfig{
			JWTSigningKey: cfg.JWTSigningKey,
			CORSOrigins:   cfg.CORSOrigins,
			Gatherer:      reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logrus.Infof("Сервер запущен на %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			<-cleanupDone
			return fmt.Errorf("ошибка при запуске сервера: %w", err)
		}
	}

	logrus.Info("Завершение работы сервера...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Ошибка при остановке сервера: %v", err)
	}
	<-cleanupDone

	logrus.Info("Сервер остановлен")
	return nil
}
