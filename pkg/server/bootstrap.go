package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/pmav99/thalassa-server/pkg/auth"
	"github.com/pmav99/thalassa-server/pkg/blob"
	"github.com/pmav99/thalassa-server/pkg/catalog"
	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/engine"
	"github.com/pmav99/thalassa-server/pkg/notify"
	"github.com/pmav99/thalassa-server/pkg/storage"
	"github.com/pmav99/thalassa-server/pkg/ui"
)

type thalassa struct {
	Cfg      *config.Config
	Engine   *engine.Engine
	Catalog  *catalog.Catalog
	Sessions *ui.Manager
	Notifier *notify.Notifier
	Tokens   *auth.Tokens
}

// OpenStore returns the blob store selected by cfg.Storage.Backend
func OpenStore(cfg *config.Config) (blob.Store, error) {
	switch cfg.Storage.Backend {
	case "local":
		return blob.NewLocalStore(cfg.Storage.DataDir), nil
	case "azure":
		return blob.NewAzureStore(cfg.Storage.Account, cfg.Storage.Endpoint, cfg.Storage.Anonymous)
	default:
		return nil, eris.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// StartServer starts the integrated HTTP server and blocks until ctx is cancelled
func StartServer(ctx context.Context, cfg *config.Config) error {
	store, err := OpenStore(cfg)
	if err != nil {
		return err
	}

	db, err := storage.Open(ctx, cfg.Catalog.StateFile)
	if err != nil {
		return err
	}
	defer db.Close()

	cat, err := catalog.New(cfg, store, db)
	if err != nil {
		return err
	}

	if err = cat.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore the dataset listing")
	}
	if _, err = cat.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to list datasets, serving the last known listing")
	}

	tokens, err := auth.LoadTokens(cfg.Admin.TokenFile)
	if err != nil {
		return err
	}
	if tokens.Len() == 0 {
		log.Warn().Msg("No admin tokens configured, the admin API is unusable")
	}

	eng := engine.New(cfg, store)
	sessions := ui.NewManager(cfg, eng, cat)
	defer sessions.Close()

	app := &thalassa{
		Cfg:      cfg,
		Engine:   eng,
		Catalog:  cat,
		Sessions: sessions,
		Notifier: notify.New(cfg),
		Tokens:   tokens,
	}

	catalogDone := make(chan error, 1)
	go func() {
		catalogDone <- cat.Run(ctx)
	}()

	srv := &http.Server{
		Handler:      app.Handler(),
		Addr:         cfg.HTTP.Address,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shut down the server")
		}
	}()

	log.Info().Msgf("Listening on %s", cfg.HTTP.Address)
	err = srv.ListenAndServe()
	if err != nil && !eris.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server failed")
	}

	return <-catalogDone
}
