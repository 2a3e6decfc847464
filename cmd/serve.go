package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves the ingest, processing, cluster, and quality endpoints. Processing endpoints stream progress as server-sent events.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

// newRouter builds the API surface.
func newRouter(env *pipelineEnv) http.Handler {
	api := &apiServer{env: env}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", api.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", api.stats)
		r.Get("/listings", api.listListings)
		r.Post("/listings", api.ingest)

		r.Post("/process/extract", api.processExtract)
		r.Post("/process/cluster", api.processCluster)

		r.Get("/clusters", api.listClusters)
		r.Route("/clusters/{id}", func(r chi.Router) {
			r.Get("/", api.clusterDetail)
			r.Patch("/", api.updateCluster)
			r.Post("/merge", api.mergeCluster)
			r.Post("/interpret", api.interpretCluster)
			r.Post("/brief", api.clusterBrief)
		})

		r.Get("/quality", api.qualityReport)
		r.Post("/feedback", api.submitFeedback)
		r.Get("/runs", api.listRuns)
	})

	return r
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
