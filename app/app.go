// Package app wires configuration into a ready server. Every entry point
// (long-running, serverless, Lambda) builds through here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/api/option"

	"miniapp-relay/config"
	"miniapp-relay/relay"
	"miniapp-relay/server"
	"miniapp-relay/sheetsapi"
	"miniapp-relay/telegram"
)

// New builds the server for cfg. The spreadsheet sink is the Apps Script
// endpoint when SHEETS_URL is set, else the Sheets API when a spreadsheet ID
// is set, else none (intakes then report it missing).
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server.Server, error) {
	deliverer, err := newDeliverer(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	srvCfg := &server.Config{
		Deliverer:     deliverer,
		Logger:        logger,
		SheetsSecret:  cfg.SheetsSecret,
		WebhookSecret: cfg.WebhookSecret,
		WebAppURL:     cfg.WebAppURL,
		DebugToChat:   cfg.DebugToChat,
		HasEnv:        cfg.HasEnv(),
	}
	// Left unset without a token so the interface stays nil.
	if cfg.BotToken != "" {
		srvCfg.Messenger = telegram.NewClient(cfg.BotToken, cfg.TelegramAPI, logger)
	} else {
		logger.Warn("No TELEGRAM_BOT_TOKEN set, webhook intake disabled")
	}

	return server.New(srvCfg), nil
}

func newDeliverer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (server.Deliverer, error) {
	switch {
	case cfg.SheetsURL != "":
		logger.Info("Delivering to spreadsheet web app")
		// No client timeout: the chain is bounded by its three calls.
		return relay.New(&http.Client{}, logger).For(cfg.SheetsURL), nil

	case cfg.SpreadsheetID != "":
		// Explicit credentials first; on Cloud Run the service account's
		// application default credentials are used instead.
		var opts []option.ClientOption
		switch {
		case cfg.CredentialsJSON != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		case !onGCP(ctx, metadataURL):
			return nil, errors.New("GOOGLE_CREDENTIALS_JSON required for SHEETS_SPREADSHEET_ID when not running in Cloud Run")
		}
		appender, err := sheetsapi.New(ctx, cfg.SpreadsheetID, cfg.SheetsRange, logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("init sheets api: %w", err)
		}
		logger.Info("Delivering through the Sheets API", "range", cfg.SheetsRange)
		return appender, nil

	default:
		logger.Warn("No SHEETS_URL or SHEETS_SPREADSHEET_ID set, subscriptions will be rejected")
		return nil, nil
	}
}

// metadataURL answers only inside GCP, where the service account supplies
// application default credentials.
const metadataURL = "http://metadata.google.internal/computeMetadata/v1/project/project-id"

// onGCP reports whether the metadata server at url answers within two seconds.
func onGCP(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
