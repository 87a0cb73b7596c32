// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package bridge

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// degradedController decides whether the bridge talks to the backend or runs
// local-only. It is evaluated at construction and after every Connect.
// Leaving degraded mode needs no explicit call: the next successful Connect
// or Probe re-evaluates it.
type degradedController struct {
	active atomic.Bool
	logger *zap.Logger
}

func newDegradedController(logger *zap.Logger) *degradedController {
	return &degradedController{logger: logger}
}

// evaluate records whether the backend was reachable and reports whether the
// mode changed.
func (d *degradedController) evaluate(reachable bool) bool {
	was := d.active.Swap(!reachable)
	if was == !reachable {
		return false
	}
	if reachable {
		d.logger.Info("backend reachable again; leaving degraded mode")
	} else {
		d.logger.Warn("backend unreachable; entering degraded mode",
			zap.String("publish", "local subscribers only"),
			zap.String("state", "get returns absent, set/delete return false"))
	}
	return true
}

// Active reports whether operations currently take the local-only path.
func (d *degradedController) Active() bool { return d.active.Load() }
