package monitoring

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadSignaturesFromFile loads threat signatures from a YAML file.
func LoadSignaturesFromFile(path string) ([]*ThreatSignature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signatures file: %w", err)
	}
	defer f.Close()

	return LoadSignatures(f)
}

// LoadSignatures loads threat signatures from a reader.
func LoadSignatures(r io.Reader) ([]*ThreatSignature, error) {
	var set SignatureSet
	if err := yaml.NewDecoder(r).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to parse signatures YAML: %w", err)
	}

	seen := make(map[string]bool, len(set.Signatures))
	for i, sig := range set.Signatures {
		if err := sig.Validate(); err != nil {
			return nil, fmt.Errorf("invalid signature at index %d: %w", i, err)
		}
		if seen[sig.Name] {
			return nil, fmt.Errorf("duplicate signature %q", sig.Name)
		}
		seen[sig.Name] = true
	}
	return set.Signatures, nil
}

// reloadDebounce collapses the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// WatchSignatures reloads the monitor's signatures whenever path changes,
// until ctx is done. An invalid file keeps the current signatures.
func WatchSignatures(ctx context.Context, path string, m *Monitor) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic renames are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("monitoring: signature watcher error: %v", err)
		case <-debounce:
			debounce = nil
			sigs, err := LoadSignaturesFromFile(path)
			if err != nil {
				log.Printf("monitoring: reload signatures: %v", err)
				continue
			}
			if err := m.ReloadSignatures(sigs); err != nil {
				log.Printf("monitoring: reload signatures: %v", err)
				continue
			}
			log.Printf("monitoring: reloaded %d signatures from %s", len(sigs), path)
		}
	}
}
