package collect

import (
	"context"
	"fmt"

	"github.com/zjy-dev/vmcov/internal/hitmap"
	"github.com/zjy-dev/vmcov/internal/logging"
	"github.com/zjy-dev/vmcov/internal/vmservice"
)

// processor turns source reports for one isolate into hit maps. Script
// objects fetched along the way are cached for the processor's lifetime
// only; library objects are walked once per processor and not kept.
type processor struct {
	svc       Service
	isolateID string
	opts      *Options

	scripts   map[string]*vmservice.Script // script id → full object
	funcNames map[string]map[int]string    // script uri → line → name
	enriched  bool
}

func newProcessor(svc Service, isolateID string, opts *Options) *processor {
	return &processor{
		svc:       svc,
		isolateID: isolateID,
		opts:      opts,
		scripts:   make(map[string]*vmservice.Script),
		funcNames: make(map[string]map[int]string),
	}
}

// process folds one source report into out.
func (p *processor) process(ctx context.Context, report *vmservice.SourceReport, out hitmap.Set) error {
	if p.opts.FunctionCoverage && !p.enriched {
		if err := p.collectFunctionInfo(ctx); err != nil {
			return err
		}
		p.enriched = true
	}

	for _, r := range report.Ranges {
		if err := p.processRange(r, report.Scripts, out); err != nil {
			return err
		}
	}

	if p.opts.FunctionCoverage {
		p.attachFunctionNames(out)
	}
	return nil
}

func (p *processor) processRange(r vmservice.SourceReportRange, scripts []vmservice.ScriptRef, out hitmap.Set) error {
	if r.Coverage == nil {
		return nil
	}
	if r.ScriptIndex < 0 || r.ScriptIndex >= len(scripts) {
		return fmt.Errorf("source report range references script %d of %d", r.ScriptIndex, len(scripts))
	}
	uri := scripts[r.ScriptIndex].URI

	// Ranges can reference a different script than the enclosing function
	// (mixin expansion), so the scope filter applies again here.
	if !includesScript(p.opts.ScopedOutput, uri) {
		return nil
	}
	switch uriScheme(uri) {
	case "evaluate":
		return nil
	case "dart":
		if !p.opts.IncludeDart {
			return nil
		}
	}
	logging.Debugf("processing coverage for %s", uri)

	hits, ok := out[uri]
	if !ok {
		hits = hitmap.New()
		out[uri] = hits
	}

	cache := p.opts.LineCache
	if cache != nil {
		for _, line := range cache.Lines(uri) {
			if _, known := hits.LineHits[line]; !known {
				hits.LineHits[line] = 0
			}
		}
	}

	names := p.funcNames[uri]
	for _, line := range r.Coverage.Hits {
		hits.LineHits[line]++
		if _, isFunc := names[line]; isFunc {
			hits.EnsureFuncs()
			hits.FuncHits[line]++
		}
	}
	for _, line := range r.Coverage.Misses {
		if _, known := hits.LineHits[line]; !known {
			hits.LineHits[line] = 0
		}
	}

	if r.BranchCoverage != nil {
		hits.EnsureBranches()
		for _, line := range r.BranchCoverage.Hits {
			hits.BranchHits[line]++
		}
		for _, line := range r.BranchCoverage.Misses {
			if _, known := hits.BranchHits[line]; !known {
				hits.BranchHits[line] = 0
			}
		}
	}

	if cache != nil {
		cache.Add(uri, r.Coverage.Hits...)
		cache.Add(uri, r.Coverage.Misses...)
	}
	return nil
}

// attachFunctionNames binds collected declaration lines to the hit maps the
// ranges produced, defaulting untouched functions to zero hits.
func (p *processor) attachFunctionNames(out hitmap.Set) {
	for uri, names := range p.funcNames {
		hits, ok := out[uri]
		if !ok {
			continue
		}
		hits.EnsureFuncs()
		for line, name := range names {
			hits.FuncNames[line] = name
			if _, known := hits.FuncHits[line]; !known {
				hits.FuncHits[line] = 0
			}
			if _, known := hits.LineHits[line]; !known {
				hits.LineHits[line] = 0
			}
		}
	}
}
