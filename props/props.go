// Package props implements the flat key-value record that describes the
// outcome of a single run. Records are persisted as JSON objects with sorted
// keys so that rebuilding an experiment never produces spurious diffs.
package props

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// Filename is the canonical name of a properties file inside a run or
	// evaluation directory.
	Filename = "properties"

	// UnexplainedErrorsKey holds the list of infrastructure problems detected
	// for a run. A non-empty list means the run needs manual inspection.
	UnexplainedErrorsKey = "unexplained_errors"
)

// Properties is a flat, JSON-serializable mapping describing one run.
type Properties map[string]any

// New returns an empty record.
func New() Properties {
	return Properties{}
}

// Load reads a properties file. If path does not exist, Load also tries
// path+".gz" and decompresses transparently. A missing file in both variants
// is an error the caller can detect with os.IsNotExist.
func Load(path string) (Properties, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return loadGzip(path + ".gz")
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f, path)
}

func loadGzip(path string) (Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	defer zr.Close()
	return decode(zr, path)
}

func decode(r io.Reader, path string) (Properties, error) {
	var p Properties
	dec := json.NewDecoder(r)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("malformed properties file %s: %w", path, err)
	}
	return p, nil
}

// Set stores a value, overwriting any previous one.
func (p Properties) Set(key string, value any) {
	p[key] = value
}

// AddUnexplainedError appends msg to the record's unexplained-error list,
// skipping duplicates.
func (p Properties) AddUnexplainedError(msg string) {
	var errs []string
	if raw, ok := p[UnexplainedErrorsKey]; ok {
		switch v := raw.(type) {
		case []string:
			errs = v
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok {
					errs = append(errs, s)
				}
			}
		}
	}
	for _, e := range errs {
		if e == msg {
			return
		}
	}
	p[UnexplainedErrorsKey] = append(errs, msg)
}

// UnexplainedErrors returns the recorded infrastructure problems.
func (p Properties) UnexplainedErrors() []string {
	raw, ok := p[UnexplainedErrorsKey]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var errs []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				errs = append(errs, s)
			}
		}
		return errs
	}
	return nil
}

// Update merges other into p, overwriting existing keys.
func (p Properties) Update(other Properties) {
	for k, v := range other {
		p[k] = v
	}
}

// Marshal renders the record as indented JSON with sorted keys.
// encoding/json sorts map keys, which gives us determinism for free.
func (p Properties) Marshal() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// Write stores the record at path, creating parent directories as needed.
func (p Properties) Write(path string) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// WriteGzip stores the record compressed at path (which should end in ".gz").
func (p Properties) WriteGzip(path string) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
