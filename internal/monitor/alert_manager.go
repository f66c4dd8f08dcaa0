package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/model"
	"github.com/dmercado/republish/internal/scheduler"
)

// NotificationChannel delivers an alert to the outside world.
type NotificationChannel interface {
	Send(alert *model.Alert) error
}

// AlertManager evaluates alert rules against run results and host
// resources, publishes triggered alerts, and fans them out to the
// registered notification channels.
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext

	rules sync.Map

	mu       sync.RWMutex
	channels map[string]NotificationChannel

	sub  *nats.Subscription
	stop chan struct{}
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *zap.Logger, js nats.JetStreamContext) *AlertManager {
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		js:       js,
		channels: make(map[string]NotificationChannel),
		stop:     make(chan struct{}),
	}
}

// Start ensures the alert stream exists and subscribes to run results.
func (m *AlertManager) Start(ctx context.Context) error {
	stream, err := m.js.StreamInfo("ALERTS")
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if stream == nil {
		_, err = m.js.AddStream(&nats.StreamConfig{
			Name:     "ALERTS",
			Subjects: []string{"alert.*"},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	sub, err := m.js.Subscribe(scheduler.ResultSubjectWildcard, m.handleRunResult)
	if err != nil {
		return fmt.Errorf("failed to subscribe to run results: %w", err)
	}
	m.sub = sub

	go m.evaluationLoop(ctx)

	m.logger.Info("Alert manager started")

	return nil
}

// Stop stops the alert manager.
func (m *AlertManager) Stop() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	close(m.stop)
}

// RegisterChannel adds a named notification channel.
func (m *AlertManager) RegisterChannel(name string, channel NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// GetRule returns a rule by ID.
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule.
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule.
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if _, ok := m.rules.Load(rule.ID); !ok {
		return fmt.Errorf("rule not found: %s", rule.ID)
	}
	rule.UpdatedAt = time.Now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule.
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	m.rules.Delete(id)
	return nil
}

// ListRules returns all alert rules.
func (m *AlertManager) ListRules() []*model.AlertRule {
	var rules []*model.AlertRule
	m.rules.Range(func(key, value interface{}) bool {
		rules = append(rules, value.(*model.AlertRule))
		return true
	})
	return rules
}

// handleRunResult checks each incoming run outcome against the rules.
// A failed run matches run_failure rules; a completed run that touched
// zero listings across all categories matches zero_items rules.
func (m *AlertManager) handleRunResult(msg *nats.Msg) {
	var result model.RunResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		m.logger.Error("Failed to unmarshal run result", zap.Error(err))
		return
	}

	m.rules.Range(func(key, value interface{}) bool {
		rule := value.(*model.AlertRule)

		switch rule.Type {
		case model.AlertTypeRunFailure:
			if result.Status == model.RunStatusFailed {
				m.createAlert(rule, fmt.Sprintf("run %s failed: %s", result.RunID, result.Error),
					map[string]interface{}{
						"run_id": result.RunID,
						"error":  result.Error,
					})
			}
		case model.AlertTypeZeroItems:
			if result.Status == model.RunStatusCompleted && result.TotalItems() == 0 {
				m.createAlert(rule, fmt.Sprintf("run %s completed without republishing anything", result.RunID),
					map[string]interface{}{
						"run_id":     result.RunID,
						"categories": len(result.Counts),
					})
			}
		}
		return true
	})
}

// createAlert publishes one alert and notifies the channels. A silenced
// rule still produces the alert record but skips notification.
func (m *AlertManager) createAlert(rule *model.AlertRule, message string, data map[string]interface{}) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	alertData, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}

	if _, err := m.js.Publish("alert."+string(alert.Type), alertData); err != nil {
		m.logger.Error("Failed to publish alert", zap.Error(err))
		return
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	if rule.Silenced {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, channel := range m.channels {
		if err := channel.Send(alert); err != nil {
			m.logger.Error("Failed to send alert notification",
				zap.String("channel", name),
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}
}

// evaluationLoop periodically checks resource usage rules.
func (m *AlertManager) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.evaluateResourceAlerts()
		}
	}
}

func (m *AlertManager) evaluateResourceAlerts() {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil || len(cpuPercent) == 0 {
		m.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	m.rules.Range(func(key, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type != model.AlertTypeResourceUsage || rule.Threshold <= 0 {
			return true
		}

		if cpuPercent[0] > rule.Threshold {
			m.createAlert(rule, fmt.Sprintf("cpu usage %.1f%% above %.1f%%", cpuPercent[0], rule.Threshold),
				map[string]interface{}{"cpu_usage": cpuPercent[0]})
		}
		if memInfo.UsedPercent > rule.Threshold {
			m.createAlert(rule, fmt.Sprintf("memory usage %.1f%% above %.1f%%", memInfo.UsedPercent, rule.Threshold),
				map[string]interface{}{"memory_usage": memInfo.UsedPercent})
		}
		return true
	})
}
