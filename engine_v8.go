//go:build v8

package flydns

import (
	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/v8engine"
)

func newEngine(cfg core.EngineConfig, b core.Bindings) (core.Engine, error) {
	e, err := v8engine.NewEngine(cfg, b)
	if err != nil {
		return nil, err
	}
	return e, nil
}
