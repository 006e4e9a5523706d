// Package sheets appends analysis rows to a Google spreadsheet.
package sheets

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"product-analysis-queue/internal/config"
	"product-analysis-queue/internal/retry"
)

// ErrNotConfigured is returned by New when no spreadsheet id is set.
var ErrNotConfigured = errors.New("spreadsheet not configured")

// Sink appends rows below the last filled row of one sheet.
type Sink struct {
	svc           *sheetsapi.Service
	spreadsheetID string
	sheetName     string
	retry         retry.Policy
	logger        *zap.Logger
}

// New builds a Sink. Credentials come from cfg.CredentialsJSON when set, otherwise from
// the environment's application default credentials. Extra options override both.
func New(ctx context.Context, cfg config.SheetsConfig, logger *zap.Logger, opts ...option.ClientOption) (*Sink, error) {
	if cfg.SpreadsheetID == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := []option.ClientOption{option.WithScopes(sheetsapi.SpreadsheetsScope)}
	if cfg.CredentialsJSON != "" {
		base = append(base, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	svc, err := sheetsapi.NewService(ctx, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	name := cfg.SheetName
	if name == "" {
		name = "Sheet1"
	}
	return &Sink{
		svc:           svc,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     name,
		retry:         retry.Default(),
		logger:        logger,
	}, nil
}

// Append writes rows in one request and returns the number of rows the API reports.
func (s *Sink) Append(ctx context.Context, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	body := &sheetsapi.ValueRange{Values: make([][]interface{}, len(rows))}
	for i, r := range rows {
		body.Values[i] = r
	}
	var updated int64
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A1", body).
			ValueInputOption("USER_ENTERED").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		if err != nil {
			return fmt.Errorf("append rows: %w", err)
		}
		if resp.Updates != nil {
			updated = resp.Updates.UpdatedRows
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("rows appended", zap.String("sheet", s.sheetName), zap.Int64("rows", updated))
	return updated, nil
}
