package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed manifest.schema.json
var schemaData []byte

const schemaURL = "manifest.schema.json"

// ErrParse matches every *ParseError
var ErrParse = errors.New("malformed manifest")

// ParseError reports a manifest document that could not be decoded or failed validation
type ParseError struct {
	Source string // file path or URL, may be empty
	Err    error
}

func (e *ParseError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("parse manifest: %v", e.Err)
	}
	return fmt.Sprintf("parse manifest %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrParse) hold for any ParseError
func (e *ParseError) Is(target error) bool { return target == ErrParse }

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaData)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Parse decodes a manifest document after validating it against the manifest schema
func Parse(data []byte) (*Manifest, error) {
	return parse(data, "")
}

// ParseFrom is Parse with the document origin recorded in errors
func ParseFrom(data []byte, source string) (*Manifest, error) {
	return parse(data, source)
}

func parse(data []byte, source string) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}

	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(doc); err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}
	if m.Files == nil {
		m.Files = make(map[string]FileRecord)
	}
	for name, rec := range m.Files {
		rec.MD5 = strings.ToLower(rec.MD5)
		m.Files[name] = rec
	}

	return &m, nil
}

// Marshal encodes m in the manifest wire format
func Marshal(m *Manifest) ([]byte, error) {
	out := *m
	if out.Files == nil {
		out.Files = make(map[string]FileRecord)
	}
	return json.Marshal(&out)
}

// Load reads and parses the manifest stored at path.
// A missing file is reported with an error matching os.ErrNotExist.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(data, path)
}

// Save writes m to path atomically
func Save(path string, m *Manifest) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0644)
}

// writeFileAtomic writes data through a temp file in the target directory and renames it into place
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".bundlesync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
