package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/rs/zerolog"
)

// Reporter receives the health of a monitored dependency after every check
type Reporter func(name string, healthy bool, message string)

// Monitor runs health checks for the node's dependencies and publishes the
// outcome to the component health registry
type Monitor struct {
	config Config
	report Reporter

	mu       sync.Mutex
	monitors map[string]*dependencyMonitor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// dependencyMonitor tracks health check state for a single dependency
type dependencyMonitor struct {
	name    string
	checker Checker
	status  *Status
}

// NewMonitor creates a monitor. A nil report publishes to pkg/metrics.
func NewMonitor(config Config, report Reporter) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	if report == nil {
		report = metrics.UpdateComponent
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		config:   config,
		report:   report,
		monitors: make(map[string]*dependencyMonitor),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.WithComponent("health_monitor"),
	}
}

// Add starts checking a dependency under name. Adding a name twice replaces
// nothing and returns false.
func (m *Monitor) Add(name string, checker Checker) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.monitors[name]; exists {
		return false
	}
	dm := &dependencyMonitor{name: name, checker: checker, status: NewStatus()}
	m.monitors[name] = dm

	m.wg.Add(1)
	go m.healthCheckLoop(dm)
	return true
}

// Status returns a copy of the current status for name
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dm, ok := m.monitors[name]
	if !ok {
		return Status{}, false
	}
	return *dm.status, true
}

// Stop cancels all checks and waits for them to finish
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// healthCheckLoop runs health checks for one dependency
func (m *Monitor) healthCheckLoop(dm *dependencyMonitor) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Run initial check immediately
	m.runHealthCheck(dm)

	for {
		select {
		case <-ticker.C:
			m.runHealthCheck(dm)
		case <-m.ctx.Done():
			return
		}
	}
}

// runHealthCheck performs a single health check and reports the result
func (m *Monitor) runHealthCheck(dm *dependencyMonitor) {
	checkCtx, cancel := context.WithTimeout(m.ctx, m.config.Timeout)
	defer cancel()

	result := dm.checker.Check(checkCtx)
	if m.ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	wasHealthy := dm.status.Healthy
	dm.status.Update(result, m.config)
	healthy := dm.status.Healthy
	m.mu.Unlock()

	if wasHealthy != healthy {
		m.logger.Warn().
			Str("dependency", dm.name).
			Str("type", string(dm.checker.Type())).
			Bool("healthy", healthy).
			Str("message", result.Message).
			Msg("Dependency health changed")
	}
	m.report(dm.name, healthy, result.Message)
}
