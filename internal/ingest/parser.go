package ingest

import (
	"fmt"
	"io"
	"os"

	"ghost_energy/internal/model"
)

// Parser reads readings from a source.
type Parser interface {
	Parse(r io.Reader) ([]model.Reading, error)
}

// LoadFile opens path and parses it with p.
func LoadFile(path string, p Parser) ([]model.Reading, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	readings, err := p.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return readings, nil
}
