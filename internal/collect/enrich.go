package collect

import (
	"context"
	"fmt"

	"github.com/zjy-dev/vmcov/internal/vmservice"
)

// collectFunctionInfo walks the isolate's library/class/function graph and
// records the declaration line and qualified name of every concrete
// function. Each library loads once per processor.
func (p *processor) collectFunctionInfo(ctx context.Context) error {
	iso, err := p.svc.GetIsolate(ctx, p.isolateID)
	if vmservice.IsSentinel(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get isolate %s: %w", p.isolateID, err)
	}

	for _, libRef := range iso.Libraries {
		var lib vmservice.Library
		err := p.svc.GetObject(ctx, p.isolateID, libRef.ID, &lib)
		if vmservice.IsSentinel(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load library %s: %w", libRef.URI, err)
		}
		for _, fnRef := range lib.Functions {
			if err := p.recordFunction(ctx, fnRef); err != nil {
				return err
			}
		}
		for _, clsRef := range lib.Classes {
			var cls vmservice.Class
			err := p.svc.GetObject(ctx, p.isolateID, clsRef.ID, &cls)
			if vmservice.IsSentinel(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load class %s: %w", clsRef.Name, err)
			}
			for _, fnRef := range cls.Functions {
				if err := p.recordFunction(ctx, fnRef); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *processor) recordFunction(ctx context.Context, ref vmservice.FuncRef) error {
	var fn vmservice.Func
	err := p.svc.GetObject(ctx, p.isolateID, ref.ID, &fn)
	if vmservice.IsSentinel(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load function %s: %w", ref.Name, err)
	}
	if fn.Abstract || fn.Implicit || fn.Location == nil {
		return nil
	}

	script, err := p.script(ctx, fn.Location.Script)
	if vmservice.IsSentinel(err) {
		return nil
	}
	if err != nil {
		return err
	}
	line := funcLine(script.TokenPosTable, fn.Location.TokenPos)
	if line < 0 {
		return nil
	}

	names, ok := p.funcNames[script.URI]
	if !ok {
		names = make(map[int]string)
		p.funcNames[script.URI] = names
	}
	names[line] = qualifiedName(&fn)
	return nil
}

// qualifiedName is ClassName.funcName for class members, the bare name for
// top-level functions, and a kind:tokenPos fallback for nameless closures.
func qualifiedName(fn *vmservice.Func) string {
	if fn.Name == "" {
		return fmt.Sprintf("%s:%d", fn.Kind, fn.Location.TokenPos)
	}
	if fn.Owner != nil && fn.Owner.Type == "@Class" && fn.Owner.Name != "" {
		return fn.Owner.Name + "." + fn.Name
	}
	return fn.Name
}

// script fetches a full script object once per processor.
func (p *processor) script(ctx context.Context, ref vmservice.ScriptRef) (*vmservice.Script, error) {
	if s, ok := p.scripts[ref.ID]; ok {
		return s, nil
	}
	var s vmservice.Script
	if err := p.svc.GetObject(ctx, p.isolateID, ref.ID, &s); err != nil {
		return nil, err
	}
	p.scripts[ref.ID] = &s
	return &s, nil
}

// funcLine resolves a token position to its line via the script's token
// position table. Rows are [line, tokenPos, col, tokenPos, col, ...] sorted
// by the row's first token position (index 1).
func funcLine(table [][]int, tokenPos int) int {
	lo, hi := 0, len(table)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		row := table[mid]
		if len(row) > 1 && row[1] > tokenPos {
			hi = mid - 1
			continue
		}
		for i := 1; i < len(row); i += 2 {
			if row[i] == tokenPos {
				return row[0]
			}
		}
		lo = mid + 1
	}
	return -1
}
