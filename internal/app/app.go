// internal/app/app.go
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/markdave123-py/contexta-gateway/internal/config"
	"github.com/markdave123-py/contexta-gateway/internal/core"
	"github.com/markdave123-py/contexta-gateway/internal/core/gateway"
	objectclient "github.com/markdave123-py/contexta-gateway/internal/core/object-client"
	"github.com/markdave123-py/contexta-gateway/internal/core/token"
	"github.com/markdave123-py/contexta-gateway/internal/services"
)

const (
	handshakeTimeout = 30 * time.Second
	tokenTimeout     = 30 * time.Second
)

type App struct {
	Service *services.ExtractionService
	Server  *Server
}

func NewApp(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*App, error) {
	var tokens core.TokenProvider
	if cfg.TokenEndpoint != "" {
		tokens = token.NewHTTPProvider(
			cfg.TokenEndpoint,
			token.Credentials{Email: cfg.TokenUser, Password: cfg.TokenPassword},
			&http.Client{Timeout: tokenTimeout},
		)
		logger.Infow("Token provider configured", "endpoint", cfg.TokenEndpoint)
	} else {
		logger.Warnw("TOKEN_ENDPOINT not set; workers will be dialed without a token")
	}

	var archive services.Archiver
	if cfg.ArchiveEnabled() {
		appCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		objClient, err := objectclient.NewS3Client(appCtx, cfg, logger)
		if err != nil {
			return nil, errors.Wrap(err, "init document archive")
		}
		archive = objectclient.NewArchive(objClient, cfg.ArchiveBucket, logger)
		logger.Infow("Document archive enabled", "bucket", cfg.ArchiveBucket)
	}

	connector := gateway.NewConnector(
		gateway.NewWebsocketDialer(handshakeTimeout),
		tokens,
		gateway.Options{Timeout: cfg.JobTimeout, FrameSize: cfg.FrameSize},
		logger,
	)
	svc := services.NewExtractionService(connector, gateway.NewRegistry(), archive, logger)

	return &App{
		Service: svc,
		Server:  NewServer(cfg, svc, logger),
	}, nil
}
