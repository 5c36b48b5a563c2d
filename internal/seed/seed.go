// Package seed provisions the ambulance fleet from YAML.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"swiftaid/internal/dispatch"
	"swiftaid/internal/model"
)

//go:embed fleet.yaml
var defaultFleet []byte

type Fleet struct {
	Drivers []model.Driver `yaml:"drivers"`
}

// Registrar is the slice of the engine the seeder needs.
type Registrar interface {
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	RegisterDriver(ctx context.Context, d model.Driver) (model.Driver, error)
}

func Parse(r io.Reader) (Fleet, error) {
	var f Fleet
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return Fleet{}, nil
		}
		return Fleet{}, fmt.Errorf("seed: parse fleet: %w", err)
	}
	return f, nil
}

func LoadFile(path string) (Fleet, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Fleet{}, fmt.Errorf("seed: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

func Default() Fleet {
	f, err := Parse(bytes.NewReader(defaultFleet))
	if err != nil {
		panic(err)
	}
	return f
}

// Apply registers every driver not already present. It is safe to run on
// each start against a persistent store.
func Apply(ctx context.Context, reg Registrar, f Fleet, log zerolog.Logger) (int, error) {
	added := 0
	for _, d := range f.Drivers {
		if d.ID != "" {
			_, err := reg.GetDriver(ctx, d.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, dispatch.ErrNotFound) {
				return added, fmt.Errorf("seed: lookup driver %s: %w", d.ID, err)
			}
		}
		if _, err := reg.RegisterDriver(ctx, d); err != nil {
			return added, fmt.Errorf("seed: register %q: %w", d.Name, err)
		}
		added++
	}
	log.Info().Int("added", added).Int("fleet", len(f.Drivers)).Msg("fleet seeded")
	return added, nil
}
