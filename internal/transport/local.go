package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/basket/switchboard/internal/butler"
)

// LocalScheme addresses toolsets mounted in this process: local://<name>.
const LocalScheme = "local"

// Local dispatches local:// endpoints to in-process toolsets.
type Local struct {
	mu       sync.RWMutex
	toolsets map[string]*butler.Toolset
}

func NewLocal() *Local {
	return &Local{toolsets: make(map[string]*butler.Toolset)}
}

// Mount makes ts reachable at local://<ts.Name()>, replacing any previous mount.
func (l *Local) Mount(ts *butler.Toolset) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.toolsets[ts.Name()] = ts
}

func (l *Local) Unmount(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.toolsets, name)
}

// Mounted lists mounted toolset names, sorted.
func (l *Local) Mounted() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.toolsets))
	for name := range l.toolsets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Endpoint returns the local:// URL for a toolset name.
func Endpoint(name string) string {
	return LocalScheme + "://" + name
}

func (l *Local) CallTool(ctx context.Context, endpointURL, tool string, args map[string]any) (any, error) {
	u, err := url.Parse(endpointURL)
	if err != nil || u.Scheme != LocalScheme || u.Host == "" {
		return nil, &ConnectionError{Endpoint: endpointURL, Err: fmt.Errorf("invalid local endpoint")}
	}
	l.mu.RLock()
	ts, ok := l.toolsets[u.Host]
	l.mu.RUnlock()
	if !ok {
		return nil, &ConnectionError{Endpoint: endpointURL, Err: fmt.Errorf("no toolset mounted as %q", u.Host)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		value any
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := ts.Call(ctx, tool, args)
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err == nil {
			return res.value, nil
		}
		var classified Classified
		if errors.As(res.err, &classified) || errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled) {
			return nil, res.err
		}
		return nil, &ToolError{Tool: tool, Message: res.err.Error(), Err: res.err}
	}
}
