/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_playout/internal/config"
)

// nativePluginName is the library the native mode searches for when no
// explicit path is configured.
const nativePluginName = "grimnir_mix_executor.so"

// DispatchFunc is the signature the plugin's NewMixExecutor constructor
// must return: the host calls it for every fired trigger.
type DispatchFunc func(deviceID, itemID, sourceID string, firedAtUnixNanos int64, position, target float64, via string)

// NewMixExecutorFunc is the exported constructor a mix executor plugin must
// provide. The plugin receives a callback that hands signals back to the
// host handler and returns its dispatch entry point plus a close function.
type NewMixExecutorFunc func(deliver DispatchFunc) (dispatch DispatchFunc, close func())

// nativeExecutor hosts a compiled mix executor loaded with the plugin
// package. The plugin owns its own dispatch thread; the host only crosses
// the boundary with plain values.
type nativeExecutor struct {
	dispatch DispatchFunc
	closeFn  func()
	log      zerolog.Logger
}

// NewNativeExecutor loads the mix executor library. Search order: the
// explicit path, the executable's directory, the working directory. Any
// failure is returned so the caller can fall back.
func NewNativeExecutor(explicitPath string, handler Handler, logger zerolog.Logger) (Executor, error) {
	log := logger.With().Str("component", "trigger").Logger()
	path, err := findPluginPath(explicitPath)
	if err != nil {
		return nil, err
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mix executor %s: %w", path, err)
	}
	sym, err := p.Lookup("NewMixExecutor")
	if err != nil {
		return nil, fmt.Errorf("lookup NewMixExecutor in %s: %w", path, err)
	}
	ctor, ok := sym.(NewMixExecutorFunc)
	if !ok {
		if fn, fnOK := sym.(func(DispatchFunc) (DispatchFunc, func())); fnOK {
			ctor = fn
		} else {
			return nil, fmt.Errorf("NewMixExecutor in %s has wrong type %T", path, sym)
		}
	}

	deliver := func(deviceID, itemID, sourceID string, firedAtNanos int64, position, target float64, via string) {
		sig := Signal{
			DeviceID: deviceID,
			ItemID:   itemID,
			SourceID: sourceID,
			FiredAt:  time.Unix(0, firedAtNanos),
			Position: position,
			Target:   target,
			Via:      via,
		}
		observe(log, config.ExecutorNative, sig)
		handler.HandleMixSignal(sig)
	}
	dispatch, closeFn := ctor(deliver)
	if dispatch == nil {
		return nil, fmt.Errorf("NewMixExecutor in %s returned no dispatch function", path)
	}
	log.Info().Str("path", path).Msg("native mix executor loaded")
	return &nativeExecutor{dispatch: dispatch, closeFn: closeFn, log: log}, nil
}

func (e *nativeExecutor) Mode() config.ExecutorMode { return config.ExecutorNative }

func (e *nativeExecutor) Dispatch(sig Signal) {
	e.dispatch(sig.DeviceID, sig.ItemID, sig.SourceID, sig.FiredAt.UnixNano(), sig.Position, sig.Target, sig.Via)
}

func (e *nativeExecutor) Close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}

func findPluginPath(explicit string) (string, error) {
	var candidates []string
	if explicit != "" {
		// The override may name the library itself or a directory holding it.
		if info, err := os.Stat(explicit); err == nil && info.IsDir() {
			candidates = append(candidates, filepath.Join(explicit, nativePluginName))
		} else {
			candidates = append(candidates, explicit)
		}
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), nativePluginName))
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, nativePluginName))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("mix executor library not found (searched %d locations)", len(candidates))
}
