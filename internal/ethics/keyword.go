package ethics

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"
)

// defaultKeywords is the reference denylist.
var defaultKeywords = []string{
	"harm",
	"violence",
	"illegal",
	"hate",
}

// DefaultKeywords returns a copy of the reference denylist.
func DefaultKeywords() []string {
	return append([]string{}, defaultKeywords...)
}

// KeywordGate rejects any context containing a denylisted term,
// compared case-insensitively.
type KeywordGate struct {
	mu       sync.RWMutex
	base     []string
	fromFile []string
	replace  bool
}

// policyFile is the on-disk denylist format.
type policyFile struct {
	Ethics struct {
		Keywords        []string `yaml:"keywords"`
		ReplaceDefaults bool     `yaml:"replace_defaults"`
	} `yaml:"ethics"`
}

// NewKeywordGate creates a gate with the default denylist plus extra terms.
func NewKeywordGate(extra ...string) *KeywordGate {
	g := &KeywordGate{base: DefaultKeywords()}
	for _, k := range extra {
		g.AddKeyword(k)
	}
	return g
}

// Review scans req.Context for denylisted terms. Each matched term yields
// one concern.
func (g *KeywordGate) Review(_ context.Context, req ReviewRequest) ReviewResult {
	lower := strings.ToLower(req.Context)

	var concerns []string
	for _, k := range g.Keywords() {
		if strings.Contains(lower, k) {
			concerns = append(concerns, "content contains unsafe keyword: "+k)
		}
	}
	if len(concerns) > 0 {
		return Reject(concerns...)
	}
	return Approve()
}

// AddKeyword adds a term to the denylist. Blank and duplicate terms are ignored.
func (g *KeywordGate) AddKeyword(keyword string) {
	k := strings.ToLower(strings.TrimSpace(keyword))
	if k == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, have := range g.base {
		if have == k {
			return
		}
	}
	g.base = append(g.base, k)
}

// Keywords returns the effective denylist, lower-cased and deduplicated.
func (g *KeywordGate) Keywords() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var src []string
	if !g.replace {
		src = append(src, g.base...)
	}
	src = append(src, g.fromFile...)

	seen := make(map[string]bool, len(src))
	out := make([]string, 0, len(src))
	for _, k := range src {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// LoadPolicy reads a YAML policy file. Terms from the file replace any
// previously loaded file terms; with replace_defaults set they also
// replace the built-in list.
func (g *KeywordGate) LoadPolicy(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read ethics policy: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse ethics policy: %w", err)
	}

	var terms []string
	for _, k := range pf.Ethics.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			terms = append(terms, k)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.fromFile = terms
	g.replace = pf.Ethics.ReplaceDefaults
	return nil
}

// Watch reloads the policy file whenever it changes until ctx is done.
// The containing directory is watched so editors that replace the file
// atomically are handled. onReload, if non-nil, receives the result of
// every reload attempt.
func (g *KeywordGate) Watch(ctx context.Context, path string, onReload func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("resolve policy path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				err := g.LoadPolicy(abs)
				if err != nil {
					log.Printf("[ethics] policy reload failed: %v", err)
				}
				if onReload != nil {
					onReload(err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[ethics] policy watcher error: %v", err)
			}
		}
	}()
	return nil
}

var _ Gate = (*KeywordGate)(nil)
