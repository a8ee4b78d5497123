package persist

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/EmotionPipe/internal/diary"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// DefaultSheetTab is the worksheet used when none is configured.
const DefaultSheetTab = "Лист1"

// sheetsBackend is the subset of the Sheets API used by SheetsGateway.
type sheetsBackend interface {
	ReadHeader(ctx context.Context) ([]string, error)
	WriteHeader(ctx context.Context, header []string) error
	AppendRows(ctx context.Context, rows [][]interface{}) (updatedRange string, err error)
	MergeRows(ctx context.Context, firstRow, lastRow int64, columns []int64) error
}

// SheetsOpts configures the Google Sheets gateway.
type SheetsOpts struct {
	SpreadsheetID   string
	Tab             string
	CredentialsFile string
	CredentialsJSON []byte
}

// SheetsOption defines a configuration option for the Sheets gateway.
type SheetsOption func(*SheetsOpts)

// WithSpreadsheetID sets the target spreadsheet.
func WithSpreadsheetID(id string) SheetsOption {
	return func(o *SheetsOpts) { o.SpreadsheetID = id }
}

// WithSheetTab sets the worksheet title.
func WithSheetTab(tab string) SheetsOption {
	return func(o *SheetsOpts) { o.Tab = tab }
}

// WithCredentialsFile sets the service account key file.
func WithCredentialsFile(path string) SheetsOption {
	return func(o *SheetsOpts) { o.CredentialsFile = path }
}

// WithCredentialsJSON sets the service account key contents.
func WithCredentialsJSON(data []byte) SheetsOption {
	return func(o *SheetsOpts) { o.CredentialsJSON = data }
}

// SheetsGateway appends entries to a Google spreadsheet, one row per selection.
type SheetsGateway struct {
	backend   sheetsBackend
	formatter Formatter

	headerMu    sync.Mutex
	headerReady bool
}

// NewSheetsGateway connects to the Sheets API with service account credentials.
func NewSheetsGateway(ctx context.Context, formatter Formatter, opts ...SheetsOption) (*SheetsGateway, error) {
	var cfg SheetsOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id must be provided")
	}
	if cfg.Tab == "" {
		cfg.Tab = DefaultSheetTab
	}

	clientOpts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}
	switch {
	case len(cfg.CredentialsJSON) > 0:
		clientOpts = append(clientOpts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	case cfg.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	default:
		slog.Warn("NewSheetsGateway: no credentials configured, using application default credentials")
	}

	srv, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	slog.Debug("NewSheetsGateway: sheets service created", "spreadsheet", cfg.SpreadsheetID, "tab", cfg.Tab)

	backend := &googleSheets{srv: srv, spreadsheetID: cfg.SpreadsheetID, tab: cfg.Tab}
	return newSheetsGateway(backend, formatter), nil
}

func newSheetsGateway(backend sheetsBackend, formatter Formatter) *SheetsGateway {
	return &SheetsGateway{backend: backend, formatter: formatter}
}

// Append writes the header if missing, appends the entry rows and merges the
// shared cells of multi-emotion entries.
func (g *SheetsGateway) Append(ctx context.Context, entry diary.FinalizedEntry) error {
	if len(entry.Selections) == 0 {
		return permanentErr("sheets", fmt.Errorf("entry has no selections"))
	}
	if err := g.ensureHeader(ctx); err != nil {
		return wrapErr("sheets", err)
	}

	rows := g.formatter.Rows(entry)
	updated, err := g.backend.AppendRows(ctx, rows)
	if err != nil {
		slog.Error("SheetsGateway.Append: append failed", "conversation", entry.ConversationID, "error", err)
		return wrapErr("sheets", err)
	}
	slog.Info("SheetsGateway.Append: rows appended", "conversation", entry.ConversationID, "rows", len(rows), "range", updated)

	if len(rows) > 1 {
		first, last, err := parseRowSpan(updated)
		if err != nil {
			// The data is written; an unmerged layout is cosmetic.
			slog.Warn("SheetsGateway.Append: cannot merge, unparseable range", "range", updated, "error", err)
			return nil
		}
		if err := g.backend.MergeRows(ctx, first, last, MergeColumns); err != nil {
			slog.Warn("SheetsGateway.Append: merge failed", "range", updated, "error", err)
		}
	}
	return nil
}

func (g *SheetsGateway) ensureHeader(ctx context.Context) error {
	g.headerMu.Lock()
	defer g.headerMu.Unlock()
	if g.headerReady {
		return nil
	}
	current, err := g.backend.ReadHeader(ctx)
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if len(current) == 0 || current[0] != SheetHeader[0] {
		if err := g.backend.WriteHeader(ctx, SheetHeader); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		slog.Info("SheetsGateway: header row created")
	}
	g.headerReady = true
	return nil
}

// parseRowSpan extracts the 1-based first and last row numbers from an A1
// range such as "'Лист1'!A5:F6".
func parseRowSpan(a1 string) (int64, int64, error) {
	if i := strings.LastIndex(a1, "!"); i >= 0 {
		a1 = a1[i+1:]
	}
	parts := strings.Split(a1, ":")
	if len(parts) == 0 || len(parts) > 2 || parts[0] == "" {
		return 0, 0, fmt.Errorf("invalid range %q", a1)
	}
	first, err := rowOf(parts[0])
	if err != nil {
		return 0, 0, err
	}
	last := first
	if len(parts) == 2 {
		if last, err = rowOf(parts[1]); err != nil {
			return 0, 0, err
		}
	}
	if last < first {
		return 0, 0, fmt.Errorf("invalid range %q", a1)
	}
	return first, last, nil
}

func rowOf(cell string) (int64, error) {
	digits := strings.TrimLeft(cell, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz$")
	digits = strings.TrimPrefix(digits, "$")
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid cell %q", cell)
	}
	return n, nil
}

// googleSheets implements sheetsBackend on the Sheets v4 API.
type googleSheets struct {
	srv           *sheets.Service
	spreadsheetID string
	tab           string

	mu      sync.Mutex
	sheetID *int64
}

func (s *googleSheets) rangeOf(cols string) string {
	return fmt.Sprintf("'%s'!%s", strings.ReplaceAll(s.tab, "'", "''"), cols)
}

func (s *googleSheets) ReadHeader(ctx context.Context) ([]string, error) {
	resp, err := s.srv.Spreadsheets.Values.Get(s.spreadsheetID, s.rangeOf("A1:F1")).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(resp.Values) == 0 {
		return nil, nil
	}
	header := make([]string, 0, len(resp.Values[0]))
	for _, v := range resp.Values[0] {
		header = append(header, fmt.Sprint(v))
	}
	return header, nil
}

func (s *googleSheets) WriteHeader(ctx context.Context, header []string) error {
	row := make([]interface{}, len(header))
	for i, h := range header {
		row[i] = h
	}
	_, err := s.srv.Spreadsheets.Values.Update(s.spreadsheetID, s.rangeOf("A1:F1"), &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (s *googleSheets) AppendRows(ctx context.Context, rows [][]interface{}) (string, error) {
	resp, err := s.srv.Spreadsheets.Values.Append(s.spreadsheetID, s.rangeOf("A:F"), &sheets.ValueRange{
		Values: rows,
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if resp.Updates == nil {
		return "", nil
	}
	return resp.Updates.UpdatedRange, nil
}

func (s *googleSheets) MergeRows(ctx context.Context, firstRow, lastRow int64, columns []int64) error {
	sheetID, err := s.lookupSheetID(ctx)
	if err != nil {
		return err
	}
	requests := make([]*sheets.Request, 0, len(columns))
	for _, col := range columns {
		requests = append(requests, &sheets.Request{
			MergeCells: &sheets.MergeCellsRequest{
				MergeType: "MERGE_COLUMNS",
				Range: &sheets.GridRange{
					SheetId:          sheetID,
					StartRowIndex:    firstRow - 1,
					EndRowIndex:      lastRow,
					StartColumnIndex: col,
					EndColumnIndex:   col + 1,
					// Zero is a valid sheet id and column index; send it explicitly.
					ForceSendFields: []string{"SheetId", "StartColumnIndex"},
				},
			},
		})
	}
	_, err = s.srv.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: requests,
	}).Context(ctx).Do()
	return err
}

func (s *googleSheets) lookupSheetID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sheetID != nil {
		return *s.sheetID, nil
	}
	ss, err := s.srv.Spreadsheets.Get(s.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == s.tab {
			id := sh.Properties.SheetId
			s.sheetID = &id
			return id, nil
		}
	}
	return 0, fmt.Errorf("worksheet %q not found", s.tab)
}
