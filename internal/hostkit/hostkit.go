// Package hostkit provides the concrete host-side implementations of the
// collaborator interfaces the plugin runtime core consumes: a Redis-backed
// DataService, a zerolog-backed Logger, and a permissive SecurityService
// that authorizes every call while still recording the audit trail. A real
// deployment is expected to swap SecurityService for its actual policy
// engine; authorization policy itself is out of this runtime's scope.
package hostkit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/forgekit/pluginhost/internal/collaborator"
)

// RedisData is a collaborator.DataService backed by Redis, used for plugin
// storage (scoped by the pluginctx façade's key prefix).
type RedisData struct {
	client *redis.Client
}

// NewRedisData connects to addr. The connection is lazy: failures surface
// on first use rather than at construction, matching go-redis's own idiom.
func NewRedisData(addr, password string, db int) *RedisData {
	return &RedisData{client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

func (d *RedisData) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := d.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (d *RedisData) Set(ctx context.Context, key string, value []byte) error {
	return d.client.Set(ctx, key, value, 0).Err()
}

func (d *RedisData) Delete(ctx context.Context, key string) error {
	return d.client.Del(ctx, key).Err()
}

// Query scans for keys under the collection prefix and returns their
// values. The filter argument is not applied: every value stored under the
// prefix is returned.
func (d *RedisData) Query(ctx context.Context, collection string, filter map[string]interface{}) ([][]byte, error) {
	var out [][]byte
	iter := d.client.Scan(ctx, 0, collection+"*", 0).Iterator()
	for iter.Next(ctx) {
		v, err := d.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, iter.Err()
}

// ZerologLogger adapts zerolog.Logger to collaborator.Logger.
type ZerologLogger struct {
	Log zerolog.Logger
}

func (l ZerologLogger) event(e *zerolog.Event, message string, fields map[string]interface{}) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(message)
}

func (l ZerologLogger) Debug(message string, fields map[string]interface{}) {
	l.event(l.Log.Debug(), message, fields)
}
func (l ZerologLogger) Info(message string, fields map[string]interface{}) {
	l.event(l.Log.Info(), message, fields)
}
func (l ZerologLogger) Warn(message string, fields map[string]interface{}) {
	l.event(l.Log.Warn(), message, fields)
}
func (l ZerologLogger) Error(message string, fields map[string]interface{}) {
	l.event(l.Log.Error(), message, fields)
}

// AuditingSecurity is a SecurityService that grants every HasPermission
// check and allows every plugin action, recording each into an in-memory
// audit trail and the logger. It stands in for a real policy engine, which
// the host supplies as an external collaborator.
type AuditingSecurity struct {
	logger zerolog.Logger

	mu      sync.Mutex
	entries []collaborator.AuditEntry
}

// NewAuditingSecurity builds an AuditingSecurity over logger.
func NewAuditingSecurity(logger zerolog.Logger) *AuditingSecurity {
	return &AuditingSecurity{logger: logger.With().Str("component", "security").Logger()}
}

func (s *AuditingSecurity) HasPermission(ctx context.Context, subject, permission string) (collaborator.AuthDecision, error) {
	return collaborator.AuthDecision{Granted: true}, nil
}

func (s *AuditingSecurity) LogEvent(ctx context.Context, entry collaborator.AuditEntry) error {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	s.logger.Info().Str("pluginId", entry.PluginID).Str("action", entry.Action).Interface("detail", entry.Detail).Msg("audit")
	return nil
}

// ValidatePluginAction is consulted by the sandbox before dispatching every
// method call. A real deployment replaces this with policy lookups; this
// default records the call and denies nothing, matching every permission
// the manifest already declared and the validator already checked.
func (s *AuditingSecurity) ValidatePluginAction(ctx context.Context, pluginID, action string, args map[string]interface{}) error {
	s.mu.Lock()
	s.entries = append(s.entries, collaborator.AuditEntry{
		PluginID: pluginID, Action: action, Detail: args, Timestamp: time.Now().UnixMilli(),
	})
	s.mu.Unlock()
	return nil
}

// Entries returns a copy of the recorded audit trail.
func (s *AuditingSecurity) Entries() []collaborator.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collaborator.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// SplitCSV splits a comma-separated env value into a trimmed, non-empty slice.
func SplitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
