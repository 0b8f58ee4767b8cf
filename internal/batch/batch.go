// Package batch analyses every sample under a directory.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/analysis"
	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/shared/id"
)

// DefaultPattern selects JavaScript files at any depth.
const DefaultPattern = "**/*.js"

// Analyzer runs one job; *analysis.Orchestrator implements it.
type Analyzer interface {
	Run(ctx context.Context, job analysis.Job) analysis.Outcome
}

// Options configures a sweep.
type Options struct {
	Root        string
	Pattern     string
	Origin      string
	Concurrency int
}

// Summary counts a sweep's outcomes.
type Summary struct {
	Files     int
	Succeeded int
	Failed    int
}

// Find returns the regular files under root whose slash-separated path
// relative to root matches pattern, sorted.
func Find(ctx context.Context, root, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}

	var (
		mu      sync.Mutex
		matches []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); ok {
			mu.Lock()
			matches = append(matches, p)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Run analyses every matching file against opts.Origin, Concurrency at a
// time. Each file gets its own analysis id.
func Run(ctx context.Context, an Analyzer, opts Options, log *logging.Logger) (Summary, error) {
	if log == nil {
		log = logging.NewNop()
	}
	log = log.Component("batch")
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	files, err := Find(ctx, opts.Root, opts.Pattern)
	if err != nil {
		return Summary{}, err
	}
	log.Info("batch started", zap.String("root", opts.Root), zap.Int("files", len(files)))

	var (
		mu  sync.Mutex
		sum = Summary{Files: len(files)}
		wg  sync.WaitGroup
		sem = make(chan struct{}, opts.Concurrency)
	)
	for _, f := range files {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return sum, ctx.Err()
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer func() { <-sem }()

			out := an.Run(ctx, analysis.Job{
				SamplePath: path,
				Origin:     opts.Origin,
				AnalysisID: id.NewAnalysisID().String(),
			})
			mu.Lock()
			if out.State == analysis.Succeeded {
				sum.Succeeded++
			} else {
				sum.Failed++
			}
			mu.Unlock()
		}(f)
	}
	wg.Wait()

	log.Info("batch finished",
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed))
	return sum, nil
}
