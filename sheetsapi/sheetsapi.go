// Package sheetsapi appends subscription records to a spreadsheet through the
// Google Sheets API, for deployments without an Apps Script web app.
package sheetsapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"miniapp-relay/metrics"
	"miniapp-relay/pkg/subscription"
)

// Appender writes one row per record.
type Appender struct {
	values        *sheets.SpreadsheetsValuesService
	spreadsheetID string
	rng           string
	logger        *slog.Logger
}

// New creates an Appender for the given spreadsheet and A1 range.
// Without options the client uses application default credentials.
func New(ctx context.Context, spreadsheetID, rng string, logger *slog.Logger, opts ...option.ClientOption) (*Appender, error) {
	if spreadsheetID == "" {
		return nil, errors.New("spreadsheet ID required")
	}

	opts = append([]option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}, opts...)
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return &Appender{
		values:        srv.Spreadsheets.Values,
		spreadsheetID: spreadsheetID,
		rng:           rng,
		logger:        logger,
	}, nil
}

// Row returns the cells written for rec: ts, email, tg_user_id, tg_username, source.
func Row(rec *subscription.Record) []any {
	return []any{
		rec.Timestamp(),
		rec.Email(),
		rec.ExternalUserID(),
		rec.ExternalUsername(),
		rec.Source(),
	}
}

// Deliver appends rec and reports the outcome. API and transport errors become
// a Failed outcome; nothing is retried.
func (a *Appender) Deliver(ctx context.Context, rec *subscription.Record) subscription.Outcome {
	logger := a.logger.With("delivery_id", uuid.NewString())
	logger.Info("Sheets API append starting", "range", a.rng)

	startTime := time.Now()
	_, err := a.values.Append(a.spreadsheetID, a.rng, &sheets.ValueRange{
		Values: [][]any{Row(rec)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	duration := time.Since(startTime)

	outcome := subscription.DeliveredOutcome()
	if err != nil {
		outcome = failure(rec, err)
	}

	metrics.DeliveriesTotal.WithLabelValues(outcome.Kind.String(), outcome.Stage).Inc()
	metrics.DeliveryHops.Observe(1)
	metrics.DeliveryDuration.Observe(duration.Seconds())

	if !outcome.OK() {
		attrs := append(rec.LogAttrs(),
			"stage", outcome.Stage,
			"status_code", outcome.StatusCode,
			"snippet", outcome.BodySnippet,
			"duration_ms", duration.Milliseconds())
		logger.Warn("Delivery failed", attrs...)
		return outcome
	}

	logger.Info("Sheets API append completed",
		"duration_ms", duration.Milliseconds(),
		"outcome", outcome.Kind.String())
	return outcome
}

func failure(rec *subscription.Record, err error) subscription.Outcome {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Body
		}
		return subscription.FailedOutcome(subscription.StageSheetsAPI, apiErr.Code, rec.Redact(msg))
	}
	return subscription.FailedOutcome(subscription.StageTransport, 0, rec.Redact(err.Error()))
}
