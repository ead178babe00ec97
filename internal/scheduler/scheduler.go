// Package scheduler gives each activated plugin its own namespace of cron
// jobs over one process-wide cron.Cron. Jobs are swept automatically when
// the owning plugin deactivates, rather than requiring the plugin to call
// RemoveAll itself.
package scheduler

import (
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler owns the shared cron instance and every plugin's job namespace.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]map[string]cron.EntryID // pluginID -> jobName -> entryID
}

// New constructs and starts a Scheduler.
func New(logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		cron:   cron.New(),
		logger: logger.With().Str("component", "scheduler").Logger(),
		jobs:   make(map[string]map[string]cron.EntryID),
	}
	s.cron.Start()
	return s
}

// Schedule registers job under pluginID's namespace at cronExpr, replacing
// any existing job of the same name for that plugin. The job is wrapped
// with panic recovery so a plugin bug cannot take down the shared cron
// instance.
func (s *Scheduler) Schedule(pluginID, jobName, cronExpr string, job func()) error {
	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Str("pluginId", pluginID).Str("job", jobName).Interface("panic", r).Msg("scheduled job panicked")
			}
		}()
		job()
	}

	entryID, err := s.cron.AddFunc(cronExpr, wrapped)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	plugin, ok := s.jobs[pluginID]
	if !ok {
		plugin = make(map[string]cron.EntryID)
		s.jobs[pluginID] = plugin
	}
	if old, exists := plugin[jobName]; exists {
		s.cron.Remove(old)
	}
	plugin[jobName] = entryID
	return nil
}

// Remove cancels a single named job for pluginID.
func (s *Scheduler) Remove(pluginID, jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plugin, ok := s.jobs[pluginID]
	if !ok {
		return
	}
	if entryID, exists := plugin[jobName]; exists {
		s.cron.Remove(entryID)
		delete(plugin, jobName)
	}
}

// RemoveAll cancels every job owned by pluginID, called by the registry on
// deactivate so a plugin can never outlive its cron jobs.
func (s *Scheduler) RemoveAll(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plugin, ok := s.jobs[pluginID]
	if !ok {
		return
	}
	for _, entryID := range plugin {
		s.cron.Remove(entryID)
	}
	delete(s.jobs, pluginID)
}

// ListJobs returns the job names currently scheduled for pluginID.
func (s *Scheduler) ListJobs(pluginID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	plugin, ok := s.jobs[pluginID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(plugin))
	for name := range plugin {
		names = append(names, name)
	}
	return names
}

// Stop stops the underlying cron instance. Intended for host shutdown.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
