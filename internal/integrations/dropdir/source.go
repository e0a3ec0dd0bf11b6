// Package dropdir implements a ScenarioSource over a local directory:
// every *.krp file is offered once and renamed to *.imported on ack.
package dropdir

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"planforge/internal/config"
	"planforge/internal/integrations"
)

type Source struct {
	Dir string
}

func New(dir string) *Source { return &Source{Dir: dir} }

func (s *Source) Name() string { return "dropdir" }

// Discover lists *.krp files in name order. Files that fail to parse are
// skipped so one bad drop cannot block the rest.
func (s *Source) Discover(since string, cursor string) (integrations.Batch, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return integrations.Batch{}, err
	}
	var batch integrations.Batch
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".krp") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		text, err := os.ReadFile(filepath.Join(s.Dir, name))
		if err != nil {
			continue
		}
		if _, err := config.ParseString(string(text)); err != nil {
			continue
		}
		batch.Items = append(batch.Items, integrations.Item{
			Ref:    name,
			Name:   strings.TrimSuffix(name, ".krp"),
			Config: string(text),
		})
	}
	return batch, nil
}

// Ack renames each file to <ref>.imported so it is not offered again.
func (s *Source) Ack(refs []string) error {
	for _, ref := range refs {
		old := filepath.Join(s.Dir, ref)
		if err := os.Rename(old, old+".imported"); err != nil {
			return err
		}
	}
	return nil
}
