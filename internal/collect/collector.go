// Package collect drives the VM service to gather execution hit data from
// every live isolate group and normalize it into canonical hit maps.
package collect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zjy-dev/vmcov/internal/hitmap"
	"github.com/zjy-dev/vmcov/internal/logging"
	"github.com/zjy-dev/vmcov/internal/vmservice"
)

var (
	// ErrPauseTimeout is returned when not every isolate reaches a paused
	// state within the deadline.
	ErrPauseTimeout = errors.New("timed out waiting for isolates to pause")

	// ErrNoIsolates is returned when the VM reports no isolates while
	// waiting for pause.
	ErrNoIsolates = errors.New("no isolates")
)

// pollInterval paces the pause-wait loop.
const pollInterval = 200 * time.Millisecond

// Service is the VM service surface the collector consumes. It is satisfied
// by *vmservice.Client; tests substitute an in-memory fake.
type Service interface {
	GetVersion(ctx context.Context) (*vmservice.Version, error)
	GetVM(ctx context.Context) (*vmservice.VM, error)
	GetIsolate(ctx context.Context, isolateID string) (*vmservice.Isolate, error)
	GetIsolateGroup(ctx context.Context, groupID string) (*vmservice.IsolateGroup, error)
	GetScripts(ctx context.Context, isolateID string) (*vmservice.ScriptList, error)
	GetObject(ctx context.Context, isolateID, objectID string, out any) error
	GetSourceReport(ctx context.Context, isolateID string, req vmservice.SourceReportRequest) (*vmservice.SourceReport, error)
	Resume(ctx context.Context, isolateID string) error
	Close() error
}

// Options configures one collection pass.
type Options struct {
	// ScopedOutput keeps only scripts belonging to these packages. Empty
	// means everything.
	ScopedOutput []string

	// IsolateIDs restricts collection to these isolates. Nil means all.
	IsolateIDs []string

	// WaitPaused blocks until every isolate is paused before collecting.
	WaitPaused bool

	// Resume resumes paused isolates after collection.
	Resume bool

	// FunctionCoverage enriches hit maps with per-function hit counts.
	FunctionCoverage bool

	// BranchCoverage requests branch coverage when the service supports it.
	BranchCoverage bool

	// IncludeDart retains dart: SDK scripts in the result.
	IncludeDart bool

	// LineCache, when set, seeds known coverable lines and records new
	// ones, letting repeated collections skip recompilation.
	LineCache *LineCache
}

// Collect connects to the VM service at serviceURI and gathers coverage.
// The timeout bounds both the connection phase and the optional
// wait-for-pause phase.
func Collect(ctx context.Context, serviceURI string, timeout time.Duration, opts Options) (hitmap.Set, error) {
	deadline := time.Now().Add(timeout)
	svc, err := vmservice.Connect(ctx, serviceURI, timeout)
	if err != nil {
		return nil, err
	}
	return CollectFromService(ctx, svc, time.Until(deadline), opts)
}

// CollectFromService gathers coverage over an established service handle.
// The handle is always closed, on success and on failure.
func CollectFromService(ctx context.Context, svc Service, timeout time.Duration, opts Options) (cov hitmap.Set, err error) {
	defer func() {
		if closeErr := svc.Close(); closeErr != nil && err == nil {
			logging.Debugf("failed to close vm service handle: %v", closeErr)
		}
	}()
	if opts.Resume {
		// Resume runs before the handle closes, success or not.
		defer resumeAll(ctx, svc)
	}

	if opts.WaitPaused {
		if err := waitForAllPaused(ctx, svc, timeout); err != nil {
			return nil, err
		}
	}
	return collectAll(ctx, svc, &opts)
}

// capabilities are the version-gated service features, derived once per
// session and threaded through every RPC-issuing step.
type capabilities struct {
	branchCoverage    bool
	libraryFilters    bool
	fastIsolateGroups bool
	lineCache         bool
}

func capabilitiesFor(v vmservice.Version) capabilities {
	return capabilities{
		branchCoverage:    v.AtLeast(3, 56),
		libraryFilters:    v.AtLeast(3, 57),
		fastIsolateGroups: v.AtLeast(3, 61),
		lineCache:         v.AtLeast(4, 13),
	}
}

func collectAll(ctx context.Context, svc Service, opts *Options) (hitmap.Set, error) {
	version, err := svc.GetVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get service version: %w", err)
	}
	caps := capabilitiesFor(*version)

	kinds := []string{vmservice.ReportCoverage}
	if opts.BranchCoverage {
		if caps.branchCoverage {
			kinds = append(kinds, vmservice.ReportBranchCoverage)
		} else {
			logging.Warnf("branch coverage requested but service version %d.%d does not support it; disabling",
				version.Major, version.Minor)
		}
	}

	vm, err := svc.GetVM(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get vm: %w", err)
	}

	// Program counters are shared within an isolate group, so one isolate
	// per group is enough. Older services require fetching each group to
	// learn the memberships.
	groupOf := make(map[string]string)
	if !caps.fastIsolateGroups {
		for _, ref := range vm.IsolateGroups {
			group, err := svc.GetIsolateGroup(ctx, ref.ID)
			if vmservice.IsSentinel(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to get isolate group %s: %w", ref.ID, err)
			}
			for _, member := range group.Isolates {
				groupOf[member.ID] = group.ID
			}
		}
	}

	var allow map[string]struct{}
	if opts.IsolateIDs != nil {
		allow = make(map[string]struct{}, len(opts.IsolateIDs))
		for _, id := range opts.IsolateIDs {
			allow[id] = struct{}{}
		}
	}

	out := make(hitmap.Set)
	coveredGroups := make(map[string]struct{})
	for _, iso := range vm.Isolates {
		if allow != nil {
			if _, ok := allow[iso.ID]; !ok {
				continue
			}
		}
		groupID := iso.IsolateGroupID
		if !caps.fastIsolateGroups {
			groupID = groupOf[iso.ID]
		}
		if groupID != "" {
			if _, done := coveredGroups[groupID]; done {
				continue
			}
			coveredGroups[groupID] = struct{}{}
		}
		if err := collectIsolate(ctx, svc, iso, kinds, caps, opts, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func collectIsolate(ctx context.Context, svc Service, iso vmservice.IsolateRef, kinds []string, caps capabilities, opts *Options, out hitmap.Set) error {
	proc := newProcessor(svc, iso.ID, opts)

	var alreadyCompiled []string
	if caps.lineCache && opts.LineCache != nil {
		alreadyCompiled = opts.LineCache.Keys()
	}

	// Without libraryFilters support, scoping falls back to one source
	// report per in-scope script.
	if len(opts.ScopedOutput) > 0 && !caps.libraryFilters {
		scripts, err := svc.GetScripts(ctx, iso.ID)
		if vmservice.IsSentinel(err) {
			logging.Debugf("isolate %s disappeared, skipping", iso.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list scripts for %s: %w", iso.ID, err)
		}
		for _, script := range scripts.Scripts {
			if !includesScript(opts.ScopedOutput, script.URI) {
				continue
			}
			report, err := svc.GetSourceReport(ctx, iso.ID, vmservice.SourceReportRequest{
				Reports:                  kinds,
				ScriptID:                 script.ID,
				ForceCompile:             true,
				ReportLines:              true,
				LibrariesAlreadyCompiled: alreadyCompiled,
			})
			if vmservice.IsSentinel(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to get source report for %s: %w", script.URI, err)
			}
			if err := proc.process(ctx, report, out); err != nil {
				return err
			}
		}
		return nil
	}

	req := vmservice.SourceReportRequest{
		Reports:                  kinds,
		ForceCompile:             true,
		ReportLines:              true,
		LibrariesAlreadyCompiled: alreadyCompiled,
	}
	if len(opts.ScopedOutput) > 0 {
		filters := make([]string, 0, len(opts.ScopedOutput))
		for _, pkg := range opts.ScopedOutput {
			filters = append(filters, "package:"+pkg+"/")
		}
		req.LibraryFilters = filters
	}

	report, err := svc.GetSourceReport(ctx, iso.ID, req)
	if vmservice.IsSentinel(err) {
		logging.Debugf("isolate %s disappeared, skipping", iso.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get source report for isolate %s: %w", iso.ID, err)
	}
	return proc.process(ctx, report, out)
}

// includesScript implements the scope filter: an empty scope matches
// everything; otherwise only package: URIs whose package name is in scope.
func includesScript(scope []string, scriptURI string) bool {
	if len(scope) == 0 {
		return true
	}
	rest, ok := strings.CutPrefix(scriptURI, "package:")
	if !ok {
		return false
	}
	pkg, _, _ := strings.Cut(rest, "/")
	for _, s := range scope {
		if s == pkg {
			return true
		}
	}
	return false
}

func uriScheme(uri string) string {
	scheme, _, ok := strings.Cut(uri, ":")
	if !ok {
		return ""
	}
	return scheme
}

// waitForAllPaused polls until every isolate's pause event is one of the
// paused kinds, erroring when the VM reports zero isolates or the deadline
// passes.
func waitForAllPaused(ctx context.Context, svc Service, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		vm, err := svc.GetVM(ctx)
		if err != nil {
			return fmt.Errorf("failed to get vm: %w", err)
		}
		if len(vm.Isolates) == 0 {
			return ErrNoIsolates
		}

		allPaused := true
		for _, ref := range vm.Isolates {
			iso, err := svc.GetIsolate(ctx, ref.ID)
			if vmservice.IsSentinel(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to get isolate %s: %w", ref.ID, err)
			}
			if iso.PauseEvent == nil || !vmservice.IsPauseEventKind(iso.PauseEvent.Kind) {
				allPaused = false
				break
			}
		}
		if allPaused {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrPauseTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// resumeAll resumes every isolate not already resumed. Calls run
// concurrently and errors are swallowed.
func resumeAll(ctx context.Context, svc Service) {
	vm, err := svc.GetVM(ctx)
	if err != nil {
		logging.Debugf("failed to get vm for resume: %v", err)
		return
	}
	var wg sync.WaitGroup
	for _, ref := range vm.Isolates {
		wg.Add(1)
		go func(ref vmservice.IsolateRef) {
			defer wg.Done()
			iso, err := svc.GetIsolate(ctx, ref.ID)
			if err != nil {
				return
			}
			if iso.PauseEvent != nil && iso.PauseEvent.Kind == vmservice.EventResume {
				return
			}
			if err := svc.Resume(ctx, ref.ID); err != nil {
				logging.Debugf("failed to resume isolate %s: %v", ref.ID, err)
			}
		}(ref)
	}
	wg.Wait()
}
