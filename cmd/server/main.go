package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/trading-journal/internal/auth"
	"github.com/ksred/trading-journal/internal/database"
	"github.com/ksred/trading-journal/internal/ingestion"
	"github.com/ksred/trading-journal/internal/positions"
	"github.com/ksred/trading-journal/internal/trades"
	"github.com/ksred/trading-journal/pkg/middleware"
)

// init configures logging from the environment. Development gets pretty
// console output; DEBUG=true raises the global level.
func init() {
	_ = godotenv.Load()

	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the journal services and runs the API server with graceful
// shutdown.
func main() {
	db, err := database.NewDatabase(os.Getenv("DATABASE_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	router := gin.Default()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		zlog.Fatal().Msg("JWT_SECRET is required")
	}
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		authService.RegisterAPICredentials(apiKey, os.Getenv("API_SECRET"))
	}

	positionService := positions.NewService(db)
	positionHandlers := positions.NewGinHandlers(positionService)

	ingestionService := ingestion.NewService(db, positionService)
	ingestionHandlers := ingestion.NewGinHandlers(ingestionService)

	tradeService := trades.NewService(db)
	tradeHandlers := trades.NewGinHandlers(tradeService)

	router.Use(middleware.RateLimit())

	setupRoutes(router, authService, authHandlers, ingestionHandlers, positionHandlers, tradeHandlers)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding ingestion transactions 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints:
// - Auth routes: public credential exchange
// - Journal routes: JWT-protected ingestion, completion and reporting
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	ingestionHandlers *ingestion.GinHandlers,
	positionHandlers *positions.GinHandlers,
	tradeHandlers *trades.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		ingest := v1.Group("/ingest")
		ingest.Use(middleware.JWTAuth(authService.Secret()))
		{
			ingest.POST("", ingestionHandlers.IngestHandler())
			ingest.GET("/log", ingestionHandlers.ProcessingLogHandler())
		}

		positionRoutes := v1.Group("/positions")
		positionRoutes.Use(middleware.JWTAuth(authService.Secret()))
		{
			positionRoutes.GET("", positionHandlers.GetOpenPositionsHandler())
			positionRoutes.GET("/:symbol", positionHandlers.GetPositionHandler())
			positionRoutes.POST("/rebuild", positionHandlers.RebuildHandler())
		}

		tradeRoutes := v1.Group("/trades")
		tradeRoutes.Use(middleware.JWTAuth(authService.Secret()))
		{
			tradeRoutes.POST("/process", tradeHandlers.ProcessTradesHandler())
			tradeRoutes.GET("", tradeHandlers.GetTradesHandler())
			tradeRoutes.GET("/summary", tradeHandlers.GetSummaryHandler())
			tradeRoutes.PATCH("/:trade_id/annotations", tradeHandlers.AnnotateHandler())
		}
	}
}
