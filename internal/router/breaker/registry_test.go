package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type mockWarningService struct {
	mu       sync.Mutex
	warnings []mockWarning
}

type mockWarning struct {
	category string
	severity string
	message  string
	source   string
}

func (m *mockWarningService) AddWarning(category, severity, message, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings = append(m.warnings, mockWarning{category, severity, message, source})
}

func (m *mockWarningService) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.warnings)
}

func (m *mockWarningService) last() mockWarning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warnings[len(m.warnings)-1]
}

func TestRegistryOnStateChangeFiresWarningOnTrip(t *testing.T) {
	cfg := &Config{
		WindowSize:             time.Minute,
		FailureRatePercent:     50,
		MinimumCalls:           1,
		OpenDuration:           time.Minute,
		HalfOpenPermittedCalls: 1,
		IdleEvictionTTL:        time.Hour,
	}
	registry := NewRegistry(cfg)
	defer registry.Stop()

	ws := &mockWarningService{}
	registry.SetWarningService(ws)

	cb := registry.Get("http://example.com")
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, errors.New("endpoint failure")
	})
	if err == nil {
		t.Fatal("expected the call to fail")
	}

	if ws.count() == 0 {
		t.Fatal("expected a warning to be recorded on trip")
	}
	w := ws.last()
	if w.category != categoryCircuitBreaker {
		t.Errorf("expected category %q, got %q", categoryCircuitBreaker, w.category)
	}
	if w.severity != severityError {
		t.Errorf("expected severity %q for CLOSED -> OPEN, got %q", severityError, w.severity)
	}
	if w.source != "breaker" {
		t.Errorf("expected source %q, got %q", "breaker", w.source)
	}
}

func TestRegistryOnStateChangeNoWarningServiceDoesNotPanic(t *testing.T) {
	registry := NewRegistry(DefaultConfig())
	defer registry.Stop()

	cb := registry.Get("http://example.com")
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, errors.New("endpoint failure")
	})
}
