package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/anstrom/ollamascan/internal/errors"
)

const (
	csvSinkName = "csv"

	outputDirPerm  = 0750
	outputFilePerm = 0644
)

// EndpointHeader is the header row of the endpoint stream.
var EndpointHeader = []string{"IP:Port", "Tags URL", "Status Code", "Location"}

// ModelHeader is the header row of the model stream.
var ModelHeader = []string{
	"IP:Port", "Model Name", "Model", "Modified At", "Size", "Digest",
	"Parent Model", "Format", "Family", "Parameter Size", "Quantization Level",
}

// CSVSink appends discoveries to two CSV files joined by the endpoint key.
// Existing files are appended to; a header is written only to empty files.
type CSVSink struct {
	mu        sync.Mutex
	endpoints *os.File
	models    *os.File
	fsync     bool
	closed    bool
}

// NewCSVSink opens (or creates) both files for appending.
func NewCSVSink(endpointsPath, modelsPath string, fsync bool) (*CSVSink, error) {
	endpoints, err := openAppend(endpointsPath, EndpointHeader)
	if err != nil {
		return nil, err
	}
	models, err := openAppend(modelsPath, ModelHeader)
	if err != nil {
		_ = endpoints.Close()
		return nil, err
	}

	return &CSVSink{
		endpoints: endpoints,
		models:    models,
		fsync:     fsync,
	}, nil
}

func openAppend(path string, header []string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, outputDirPerm); err != nil {
			return nil, errors.WrapSinkError(errors.CodeSinkOpen, csvSinkName,
				fmt.Sprintf("failed to create directory for %s", path), err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, outputFilePerm)
	if err != nil {
		return nil, errors.WrapSinkError(errors.CodeSinkOpen, csvSinkName,
			fmt.Sprintf("failed to open %s", path), err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.WrapSinkError(errors.CodeSinkOpen, csvSinkName,
			fmt.Sprintf("failed to stat %s", path), err)
	}
	if info.Size() == 0 {
		data, err := encodeRows([][]string{header})
		if err == nil {
			_, err = f.Write(data)
		}
		if err != nil {
			_ = f.Close()
			return nil, errors.WrapSinkError(errors.CodeSinkOpen, csvSinkName,
				fmt.Sprintf("failed to write header to %s", path), err)
		}
	}

	return f, nil
}

// Name implements Sink.
func (s *CSVSink) Name() string {
	return csvSinkName
}

// Commit encodes the whole group first, then writes the endpoint row and
// the model rows with one write each, endpoint first.
func (s *CSVSink) Commit(_ context.Context, d Discovery) error {
	endpointData, err := encodeRows([][]string{EndpointRow(d)})
	if err != nil {
		return s.writeErr(d, "failed to encode endpoint row", err)
	}
	modelData, err := encodeRows(ModelRows(d))
	if err != nil {
		return s.writeErr(d, "failed to encode model rows", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapSinkError(errors.CodeSinkWrite, csvSinkName, "sink is closed", nil).
			ForEndpoint(d.Endpoint.Key)
	}

	if err := s.write(s.endpoints, endpointData); err != nil {
		return s.writeErr(d, "failed to write endpoint row", err)
	}
	if len(modelData) > 0 {
		if err := s.write(s.models, modelData); err != nil {
			return s.writeErr(d, "failed to write model rows", err)
		}
	}

	return nil
}

func (s *CSVSink) write(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return err
	}
	if s.fsync {
		return f.Sync()
	}
	return nil
}

func (s *CSVSink) writeErr(d Discovery, msg string, err error) error {
	return errors.WrapSinkError(errors.CodeSinkWrite, csvSinkName, msg, err).ForEndpoint(d.Endpoint.Key)
}

// Close flushes and closes both files.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var first error
	for _, f := range []*os.File{s.endpoints, s.models} {
		if err := f.Sync(); err != nil && first == nil {
			first = err
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return errors.WrapSinkError(errors.CodeSinkClose, csvSinkName, "failed to close output files", first)
	}
	return nil
}

// EndpointRow renders the endpoint stream row for d.
func EndpointRow(d Discovery) []string {
	return []string{
		d.Endpoint.Key,
		d.Endpoint.URL,
		strconv.Itoa(d.Endpoint.StatusCode),
		d.Endpoint.Location,
	}
}

// ModelRows renders one model stream row per model in d.
func ModelRows(d Discovery) [][]string {
	rows := make([][]string, 0, len(d.Models))
	for _, m := range d.Models {
		rows = append(rows, []string{
			d.Endpoint.Key,
			m.Name,
			m.Model,
			m.ModifiedAt,
			fmt.Sprintf("%.2f", m.SizeGB),
			m.Digest,
			m.ParentModel,
			m.Format,
			m.Family,
			m.ParameterSize,
			m.QuantizationLevel,
		})
	}
	return rows
}

func encodeRows(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
