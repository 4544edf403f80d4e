package runtime

import (
	"context"

	"go.uber.org/zap"
)

// ScaffoldAdapter runs the workload exactly like the local adapter while
// the real remote backend for its target is being finalized. It announces
// itself and records a mode metadatum so frontends can tell the two apart.
type ScaffoldAdapter struct {
	*LocalAdapter
}

// NewScaffoldAdapter wraps a local adapter in scaffold mode.
func NewScaffoldAdapter(cfg LocalConfig, callbacks Callbacks, logger *zap.SugaredLogger) *ScaffoldAdapter {
	return &ScaffoldAdapter{LocalAdapter: NewLocalAdapter(cfg, callbacks, logger)}
}

func (a *ScaffoldAdapter) Start(ctx context.Context) (StartResult, error) {
	a.callbacks.OnLog("[system] scaffold runtime active: running local process in place of the remote backend")
	result, err := a.LocalAdapter.Start(ctx)
	if err != nil {
		return result, err
	}
	if result.Metadata == nil {
		result.Metadata = map[string]string{}
	}
	result.Metadata["mode"] = "scaffold-local"
	return result, nil
}
