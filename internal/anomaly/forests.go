package anomaly

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ghost_energy/internal/iforest"
)

const forestExt = ".gob"

// SaveForests writes one file per site into dir, creating it when needed.
func SaveForests(dir string, forests map[string]*iforest.Forest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating forest directory: %w", err)
	}
	sites := make([]string, 0, len(forests))
	for site := range forests {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	for _, site := range sites {
		path := filepath.Join(dir, url.PathEscape(site)+forestExt)
		if err := saveForest(path, forests[site]); err != nil {
			return fmt.Errorf("saving forest for site %s: %w", site, err)
		}
	}
	return nil
}

func saveForest(path string, f *iforest.Forest) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".forest-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if err = f.Save(tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadForests reads every forest saved in dir, keyed by site. A missing
// directory yields an error matching os.ErrNotExist.
func LoadForests(dir string) (map[string]*iforest.Forest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading forest directory: %w", err)
	}
	forests := make(map[string]*iforest.Forest)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), forestExt) {
			continue
		}
		site, err := url.PathUnescape(strings.TrimSuffix(e.Name(), forestExt))
		if err != nil {
			return nil, fmt.Errorf("forest file %s: %w", e.Name(), err)
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		forest, err := iforest.Load(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("loading forest for site %s: %w", site, err)
		}
		forests[site] = forest
	}
	return forests, nil
}
