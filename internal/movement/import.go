package movement

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/puripuri2100/overmove/internal/journal"
	"github.com/puripuri2100/overmove/internal/storage"
)

// maxImportLine bounds one JSON line. Longer lines are skipped and reported.
const maxImportLine = 1 << 20

// Import records a stream of fixes, one per line, as each line arrives. A bad
// line is reported in the result and does not stop the import; storage
// outages do.
func (s *Service) Import(ctx context.Context, r io.Reader, format ImportFormat) (*ImportReport, error) {
	br := bufio.NewReader(r)
	if format == "" || format == ImportAuto {
		detected, err := sniffFormat(br)
		if err != nil {
			return nil, fmt.Errorf("import geolocations: %w", err)
		}
		format = detected
	}

	var rows rowReader
	switch format {
	case ImportJSON:
		rows = &jsonLineReader{r: br}
	case ImportCSV:
		rows = newCSVRowReader(br)
	default:
		return nil, fmt.Errorf("%w: unsupported import format %q", ErrValidation, format)
	}

	report := &ImportReport{Failures: []ImportFailure{}}
	err := s.importRows(ctx, rows, report)

	s.logger.Info("geolocations imported",
		"format", string(format),
		"read", report.Read,
		"recorded", report.Recorded,
		"failed", len(report.Failures),
	)
	if report.Recorded > 0 {
		s.record(ctx, journal.Event{
			Action:     journal.ActionGeolocationImport,
			TargetType: journal.TargetGeolocation,
			Details:    importDetails{Read: report.Read, Recorded: report.Recorded, Failed: len(report.Failures)},
		})
	}
	if err != nil {
		return report, err
	}
	return report, nil
}

func (s *Service) importRows(ctx context.Context, rows rowReader, report *ImportReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := rows.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("import geolocations: %w", err)
		}

		report.Read++
		if row.err != nil {
			report.Failures = append(report.Failures, ImportFailure{Line: row.line, Err: row.err.Error()})
			continue
		}
		fix, err := s.recordFix(ctx, row.req)
		if err != nil {
			if isFatal(err) {
				return err
			}
			report.Failures = append(report.Failures, ImportFailure{Line: row.line, Err: err.Error()})
			continue
		}
		report.Recorded++
		if fix.MoveID != "" {
			report.Linked++
		}
	}
}

// rowReader yields one decoded line at a time and io.EOF at the end. Decode
// problems travel in importRow.err; a returned error is a read failure.
type rowReader interface {
	next() (importRow, error)
}

type importRow struct {
	line int
	req  RecordRequest
	err  error
}

func sniffFormat(br *bufio.Reader) (ImportFormat, error) {
	for i := 1; ; i++ {
		peek, err := br.Peek(i)
		if len(peek) == i {
			c := peek[i-1]
			switch {
			case c == ' ' || c == '\t' || c == '\r' || c == '\n':
				continue
			case c == '{':
				return ImportJSON, nil
			default:
				return ImportCSV, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ImportCSV, nil
			}
			return "", err
		}
	}
}

type jsonFix struct {
	Timestamp        json.RawMessage `json:"timestamp"`
	Latitude         *float64        `json:"latitude"`
	Longitude        *float64        `json:"longitude"`
	Altitude         *float64        `json:"altitude"`
	AltitudeAccuracy *float64        `json:"altitude_accuracy"`
	Speed            *float64        `json:"speed"`
	Heading          *float64        `json:"heading"`
}

type jsonLineReader struct {
	r    *bufio.Reader
	line int
}

func (j *jsonLineReader) next() (importRow, error) {
	for {
		raw, tooLong, err := readLine(j.r, maxImportLine)
		if len(raw) == 0 && !tooLong && err != nil {
			return importRow{}, err
		}
		j.line++
		if tooLong {
			return importRow{line: j.line, err: fmt.Errorf("%w: line exceeds %d bytes", ErrValidation, maxImportLine)}, nil
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			if err != nil {
				return importRow{}, err
			}
			continue
		}
		var in jsonFix
		if err := json.Unmarshal(raw, &in); err != nil {
			return importRow{line: j.line, err: fmt.Errorf("%w: decode: %v", ErrValidation, err)}, nil
		}
		req, err := in.request()
		return importRow{line: j.line, req: req, err: err}, nil
	}
}

// readLine returns the next line without its newline. A line longer than max
// is consumed and reported as tooLong. The final line may end at EOF, in which
// case it is returned together with io.EOF.
func readLine(r *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > max+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			return bytes.TrimSuffix(buf, []byte("\n")), tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return buf, tooLong, err
		}
	}
}

func (f jsonFix) request() (RecordRequest, error) {
	if len(f.Timestamp) == 0 || f.Latitude == nil || f.Longitude == nil {
		return RecordRequest{}, fmt.Errorf("%w: timestamp, latitude and longitude are required", ErrValidation)
	}
	raw := string(f.Timestamp)
	var text string
	if err := json.Unmarshal(f.Timestamp, &text); err == nil {
		raw = text
	}
	ts, err := ParseInstant(raw)
	if err != nil {
		return RecordRequest{}, err
	}
	return RecordRequest{
		Timestamp:        ts,
		Latitude:         *f.Latitude,
		Longitude:        *f.Longitude,
		Altitude:         f.Altitude,
		AltitudeAccuracy: f.AltitudeAccuracy,
		Speed:            f.Speed,
		Heading:          f.Heading,
	}, nil
}

type csvRowReader struct {
	r     *csv.Reader
	first bool
}

func newCSVRowReader(r io.Reader) *csvRowReader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	reader.ReuseRecord = true
	return &csvRowReader{r: reader, first: true}
}

func (c *csvRowReader) next() (importRow, error) {
	for {
		record, err := c.r.Read()
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				c.first = false
				return importRow{line: parseErr.Line, err: fmt.Errorf("%w: %v", ErrValidation, parseErr.Err)}, nil
			}
			return importRow{}, err
		}
		line, _ := c.r.FieldPos(0)
		if c.first {
			c.first = false
			if isCSVHeader(record) {
				continue
			}
		}
		req, err := csvRequest(record)
		return importRow{line: line, req: req, err: err}, nil
	}
}

func isCSVHeader(record []string) bool {
	return len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "timestamp")
}

// csvSensorColumns follow timestamp, latitude and longitude. Trailing columns
// may be omitted and an empty cell means the reading is absent.
var csvSensorColumns = []string{"altitude", "altitude_accuracy", "speed", "heading"}

func csvRequest(record []string) (RecordRequest, error) {
	if len(record) < 3 || len(record) > 3+len(csvSensorColumns) {
		return RecordRequest{}, fmt.Errorf("%w: want 3 to %d fields (timestamp,latitude,longitude[,%s]), got %d",
			ErrValidation, 3+len(csvSensorColumns), strings.Join(csvSensorColumns, ","), len(record))
	}
	ts, err := ParseInstant(record[0])
	if err != nil {
		return RecordRequest{}, err
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
	if err != nil {
		return RecordRequest{}, fmt.Errorf("%w: latitude %q", ErrValidation, record[1])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
	if err != nil {
		return RecordRequest{}, fmt.Errorf("%w: longitude %q", ErrValidation, record[2])
	}
	req := RecordRequest{Timestamp: ts, Latitude: lat, Longitude: lon}

	targets := []**float64{&req.Altitude, &req.AltitudeAccuracy, &req.Speed, &req.Heading}
	for i, cell := range record[3:] {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return RecordRequest{}, fmt.Errorf("%w: %s %q", ErrValidation, csvSensorColumns[i], cell)
		}
		*targets[i] = &v
	}
	return req, nil
}

// isFatal separates outages, which abort an import, from per-line rejections.
func isFatal(err error) bool {
	return errors.Is(err, storage.ErrStorageUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
