package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/logging"
	"github.com/rpattn/catalogmerge/internal/merge"
	"github.com/rpattn/catalogmerge/internal/normalize"
	"github.com/rpattn/catalogmerge/internal/staging"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// Service turns an uploaded CSV or XLSX export into a staged batch.
type Service struct {
	stager   *staging.Stager
	registry *merge.Registry
	orgUnits normalize.OrgUnits
	logger   *zap.Logger
}

// NewService creates a new ingestion service.
func NewService(stager *staging.Stager, registry *merge.Registry, orgUnits normalize.OrgUnits, logger *zap.Logger) *Service {
	return &Service{
		stager:   stager,
		registry: registry,
		orgUnits: orgUnits,
		logger:   logging.OrNop(logger),
	}
}

// Request describes the ingestion input.
type Request struct {
	Source   domain.SourceType
	FileName string
	Actor    string
	// HeaderRowIndex selects the 0-based header row; nil picks the first
	// non-empty row.
	HeaderRowIndex *int
	Data           io.Reader
}

// Summary reports the result of an ingestion.
type Summary struct {
	BatchID      uuid.UUID             `json:"batchId"`
	Source       domain.SourceType     `json:"source"`
	Checksum     string                `json:"checksum"`
	TotalRows    int                   `json:"totalRows"`
	StagedRows   int                   `json:"stagedRows"`
	RejectedRows []int                 `json:"rejectedRows"`
	Rejections   []normalize.Rejection `json:"rejections"`
}

// PreviewResult is a dry run of normalization without staging anything.
type PreviewResult struct {
	Headers    []PreviewHeader          `json:"headers"`
	Candidates []domain.CandidateRecord `json:"candidates"`
	Rejections []normalize.Rejection    `json:"rejections"`
	TotalRows  int                      `json:"totalRows"`
}

// PreviewHeader shows where one column of the file lands.
type PreviewHeader struct {
	Name   string `json:"name"`
	Target string `json:"target,omitempty"`
}

type tableData struct {
	headers []string
	rows    []normalize.Row
}

// Ingest reads the uploaded file, normalizes it and stages the accepted rows
// as a new batch. Rejected rows are reported, never fatal.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{Source: req.Source, RejectedRows: []int{}, Rejections: []normalize.Rejection{}}

	payload, err := readRequest(req)
	if err != nil {
		return summary, err
	}
	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, err
	}
	result, err := normalize.Rows(table.rows, req.Source, normalize.Options{Registry: s.registry, OrgUnits: s.orgUnits})
	if err != nil {
		return summary, fmt.Errorf("failed to normalize rows: %w", err)
	}

	sum := sha256.Sum256(payload)
	summary.Checksum = hex.EncodeToString(sum[:])
	summary.TotalRows = len(table.rows)
	summary.Rejections = append(summary.Rejections, result.Rejected...)
	summary.RejectedRows = result.RejectedRows()

	batch, err := s.stager.Begin(ctx, staging.BatchSpec{
		Source:   req.Source,
		FileName: filepath.Base(req.FileName),
		Checksum: summary.Checksum,
		Actor:    req.Actor,
	})
	if err != nil {
		return summary, err
	}
	summary.BatchID = batch.ID

	for _, rejection := range result.Rejected {
		s.logger.Debug("row rejected",
			zap.String("batch_id", batch.ID.String()),
			zap.Int("row", rejection.RowNumber),
			zap.String("reason", rejection.Reason),
		)
	}

	batch, err = s.stager.Stage(ctx, batch.ID, result.Candidates, summary.RejectedRows)
	if err != nil {
		return summary, err
	}
	summary.StagedRows = batch.RowsStaged
	return summary, nil
}

// Preview normalizes the first limit data rows and reports the column
// mapping, without touching the store.
func (s *Service) Preview(req Request, limit int) (PreviewResult, error) {
	result := PreviewResult{
		Headers:    []PreviewHeader{},
		Candidates: []domain.CandidateRecord{},
		Rejections: []normalize.Rejection{},
	}

	payload, err := readRequest(req)
	if err != nil {
		return result, err
	}
	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return result, err
	}
	result.TotalRows = len(table.rows)

	mapped := normalize.MapHeaders(req.Source, table.headers)
	for _, header := range table.headers {
		result.Headers = append(result.Headers, PreviewHeader{Name: header, Target: mapped[header]})
	}

	rows := table.rows
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	normalized, err := normalize.Rows(rows, req.Source, normalize.Options{Registry: s.registry, OrgUnits: s.orgUnits})
	if err != nil {
		return result, fmt.Errorf("failed to normalize rows: %w", err)
	}
	result.Candidates = append(result.Candidates, normalized.Candidates...)
	result.Rejections = append(result.Rejections, normalized.Rejected...)
	return result, nil
}

func readRequest(req Request) ([]byte, error) {
	if !req.Source.Valid() {
		return nil, fmt.Errorf("unknown source %q", req.Source)
	}
	if strings.TrimSpace(req.FileName) == "" {
		return nil, errors.New("file name is required")
	}
	if req.Data == nil {
		return nil, errors.New("data reader is required")
	}
	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return nil, errors.New("file is empty")
	}
	return payload, nil
}

func parseTable(fileName string, payload []byte, headerRowIndex *int) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload, headerRowIndex)
	case ".xlsx":
		return parseExcel(payload, headerRowIndex)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte, headerRowIndex *int) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records, headerRowIndex)
}

func parseExcel(payload []byte, headerRowIndex *int) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows, headerRowIndex)
}

// normalizeTable picks the header row and turns every later non-empty row
// into a normalize.Row numbered by its 1-indexed position in the file.
func normalizeTable(records [][]string, headerRowIndex *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	headerIndex := -1
	if headerRowIndex != nil {
		if *headerRowIndex < 0 || *headerRowIndex >= len(records) {
			return tableData{}, fmt.Errorf("header row index %d out of range", *headerRowIndex)
		}
		if len(cleanRow(records[*headerRowIndex])) == 0 {
			return tableData{}, fmt.Errorf("selected header row %d is empty", *headerRowIndex+1)
		}
		headerIndex = *headerRowIndex
	} else {
		for idx, row := range records {
			if len(cleanRow(row)) > 0 {
				headerIndex = idx
				break
			}
		}
	}
	if headerIndex < 0 {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(records[headerIndex])
	table := tableData{headers: headers}
	for idx := headerIndex + 1; idx < len(records); idx++ {
		row := records[idx]
		if len(cleanRow(row)) == 0 {
			continue
		}
		row = padRow(row, len(headers))
		cells := make(map[string]string, len(headers))
		for col, header := range headers {
			cells[header] = row[col]
		}
		table.rows = append(table.rows, normalize.Row{Number: idx + 1, Cells: cells})
	}
	return table, nil
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}

// sanitizeHeaders trims headers, names blank ones by position and suffixes
// repeats so every cell keeps a distinct key.
func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}
