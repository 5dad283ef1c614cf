package mpc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gonum/matrix/mat64"
)

// Exporter writes closed loop samples.
type Exporter interface {
	Write(Sample) error
	Close() error
}

// CSVExporter writes one line per sample: step, states, inputs, outputs, cost
// and solver code.
type CSVExporter struct {
	delimiter string
	hdlr      *os.File
}

// NewCSVExporter creates the file dir/filename and writes the header made of
// the state, input and output names.
func NewCSVExporter(states, inputs, outputs []string, dir, filename string) (*CSVExporter, error) {
	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return nil, err
	}
	delimiter := ","
	hdr := []string{"k"}
	hdr = append(hdr, states...)
	hdr = append(hdr, inputs...)
	hdr = append(hdr, outputs...)
	hdr = append(hdr, "cost", "code")
	if _, err := fmt.Fprintf(f, "# Creation date (UTC): %s\n%s\n", time.Now().UTC(), strings.Join(hdr, delimiter)); err != nil {
		f.Close()
		return nil, err
	}
	return &CSVExporter{delimiter, f}, nil
}

// Name returns the path of the file.
func (e *CSVExporter) Name() string {
	return e.hdlr.Name()
}

// Write writes the sample to the CSV file.
func (e *CSVExporter) Write(s Sample) error {
	vals := []string{fmt.Sprintf("%d", s.K)}
	for _, v := range []*mat64.Vector{s.State, s.Input, s.Output} {
		for i := 0; i < v.Len(); i++ {
			vals = append(vals, fmt.Sprintf("%f", v.At(i, 0)))
		}
	}
	vals = append(vals, fmt.Sprintf("%g", s.Result.Cost), fmt.Sprintf("%d", s.Result.Retcode))
	_, err := e.hdlr.WriteString(strings.Join(vals, e.delimiter) + "\n")
	return err
}

// WriteTrajectory writes every sample of the trajectory.
func (e *CSVExporter) WriteTrajectory(t *Trajectory) error {
	for _, s := range t.Samples {
		if err := e.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// WriteRawLn writes a raw line to the CSV file.
func (e *CSVExporter) WriteRawLn(s string) error {
	_, err := e.hdlr.WriteString(s + "\n")
	return err
}

// Close writes the closing date and closes the file.
func (e *CSVExporter) Close() error {
	if err := e.WriteRawLn(fmt.Sprintf("# Closing date (UTC): %s", time.Now().UTC())); err != nil {
		return err
	}
	return e.hdlr.Close()
}
