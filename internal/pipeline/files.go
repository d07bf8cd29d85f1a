package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"deepcase/internal/encoder"
	"deepcase/internal/errs"
	"deepcase/internal/interpreter"
	"deepcase/internal/sequence"
)

// Bundle is a trained encoder together with the vocabulary its event ids
// come from.
type Bundle struct {
	Vocabulary *sequence.Vocabulary    `json:"vocabulary"`
	Encoder    *encoder.ContextEncoder `json:"encoder"`
}

// writeAtomic writes to a temp file next to path and renames it into place.
func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	return writeAtomic(path, func(w io.Writer) error {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		return nil
	})
}

// SaveDataset writes a dataset to path.
func SaveDataset(path string, ds *sequence.Dataset) error {
	return writeAtomic(path, func(w io.Writer) error {
		_, err := ds.WriteTo(w)
		return err
	})
}

// LoadDataset reads a dataset written by SaveDataset.
func LoadDataset(path string) (*sequence.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return sequence.ReadDataset(bufio.NewReader(f))
}

// SaveBundle writes an encoder bundle to path.
func SaveBundle(path string, b *Bundle) error {
	return writeJSON(path, b)
}

// LoadBundle reads an encoder bundle written by SaveBundle.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encoder: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("load encoder %s: %w", path, err)
	}
	if b.Vocabulary == nil || b.Encoder == nil {
		return nil, fmt.Errorf("%w: encoder file %s lacks vocabulary or weights", errs.ErrMalformedInput, path)
	}
	if events := b.Encoder.Config().Events; events < b.Vocabulary.Size() {
		return nil, fmt.Errorf("%w: encoder knows %d events, vocabulary has %d", errs.ErrShapeMismatch, events, b.Vocabulary.Size())
	}
	return &b, nil
}

// SaveInterpreter writes a fitted interpreter to path.
func SaveInterpreter(path string, in *interpreter.Interpreter) error {
	return writeJSON(path, in)
}

// LoadInterpreter reads an interpreter written by SaveInterpreter on top of
// enc.
func LoadInterpreter(path string, enc *encoder.ContextEncoder) (*interpreter.Interpreter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read interpreter: %w", err)
	}
	in, err := interpreter.Load(data, enc)
	if err != nil {
		return nil, fmt.Errorf("load interpreter %s: %w", path, err)
	}
	return in, nil
}
