package weights

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-quiver/internal/model"
)

// ErrTrailingData is returned when a weights file holds more values than the
// parameter set consumes.
var ErrTrailingData = errors.New("trailing data after last parameter")

// Loader handles loading model weights from binary files.
//
// The raw format has no header: every parameter of the set is stored in
// registration order as little-endian float32 values in its logical row-major
// shape (linear weights as (out, in)).
type Loader struct {
	Params *model.ParamSet
}

// NewLoader creates a new weight loader for the given parameters.
func NewLoader(params *model.ParamSet) *Loader {
	return &Loader{Params: params}
}

// LoadFromRawBinary fills every parameter from the file at path.
func (l *Loader) LoadFromRawBinary(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return l.Load(bufio.NewReader(file))
}

// Load fills every parameter from r and requires r to be fully consumed.
func (l *Loader) Load(r io.Reader) error {
	for _, p := range l.Params.All() {
		data := make([]float32, p.Size())
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return fmt.Errorf("failed to load %s: %w", p.Name, err)
		}
		if err := l.Params.Assign(p.Name, data); err != nil {
			return err
		}
	}

	var extra [1]byte
	n, err := r.Read(extra[:])
	if n > 0 {
		return ErrTrailingData
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Save writes every parameter to w in the format Load reads.
func (l *Loader) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, p := range l.Params.All() {
		if err := binary.Write(bw, binary.LittleEndian, p.Values()); err != nil {
			return fmt.Errorf("failed to save %s: %w", p.Name, err)
		}
	}
	return bw.Flush()
}

// SaveToRawBinary writes every parameter to a new file at path.
func (l *Loader) SaveToRawBinary(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := l.Save(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
