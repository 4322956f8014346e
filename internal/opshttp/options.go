package opshttp

import (
	"net/http"

	"github.com/maplecatch/maplecatch-web/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic runs after a recovered panic, used for the panics counter.
	OnPanic func()
}
