package service

import (
	"context"
	"time"

	"device_provisioner/internal/config"
	"device_provisioner/internal/device"
	"device_provisioner/internal/logger"
	"device_provisioner/internal/models"
	"device_provisioner/internal/repository"
)

type Authorization interface {
	SignUp(ctx context.Context, username, password string) (int, error)
	GenerateToken(ctx context.Context, username, password string) (string, error)
	ParseToken(accessToken string) (models.Operator, error)
}

// Provisioning exposes the device registry, the queue and recovery actions.
type Provisioning interface {
	AddDevice(id, port string) (*device.Instance, error)
	RemoveDevice(id string) bool
	DeviceSnapshot(id string) (device.Snapshot, error)
	ListDevices() []device.Snapshot
	SetDeviceConfig(id string, cfg device.Config) error
	SetDeviceOperator(id, operator string) error
	DetectAndRegister(ctx context.Context) ([]device.Snapshot, error)

	StartDeviceProcessing(id string) error
	StartAllDevicesProcessing() int
	StopDeviceProcessing(id string) error
	StopAllProcessing() int
	WaitForCompletion(timeout time.Duration) bool
	QueueLength() int
	ProcessorState() ProcessorState
	GetStatistics() Statistics

	GetDeviceErrorDetails(id string) (ErrorReport, error)
	GetRetryOptions(id string) ([]device.RetryOption, error)
	RetryDeviceFromPhase(id string, phase device.Phase) error
	RetryDeviceFull(id string) error
	RetryDeviceCurrentPhase(id string) error
	SkipPhaseAndContinue(id string, phase device.Phase) error
	ResetDevice(id string) error
}

// History exposes aggregates over recorded pipeline outcomes.
type History interface {
	AverageTimes() map[string]float64
	SuccessRate() float64
	PerformanceSummary() PerformanceSummary
	RecentCompletions(n int) []HistoryEntry
	Clear()
}

// EventLog exposes append-only logs with filtering access.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]models.ProvisioningEvent, error)
}

// Outcomes exposes persisted pipeline outcomes.
type Outcomes interface {
	ListOutcomes(ctx context.Context, deviceID string, limit int) ([]models.Outcome, error)
}

// Service aggregates the sub-services used by the HTTP layer. Engine is the
// concrete manager kept for lifecycle wiring in main.
type Service struct {
	Provisioning
	History
	EventLog
	Outcomes
	Authorization

	Engine *MultiDeviceManager
	events *EventLogService
}

// NewService wires the repository layer and the hardware collaborators into
// concrete services. The event log is subscribed to every device.
func NewService(cfg *config.Config, repos *repository.Repository, tc Toolchain, ws Workspaces, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	stats := NewStatisticsCollector(cfg.Provisioning.HistoryCapacity, repos.OutcomeRepo, log.Named("statistics"))
	manager := NewMultiDeviceManager(ManagerConfig{
		PollInterval:    cfg.Provisioning.PollInterval,
		StopTimeout:     cfg.Provisioning.StopTimeout,
		WaitInterval:    cfg.Provisioning.WaitInterval,
		SkipClean:       cfg.Provisioning.SkipClean,
		CleanupOnRemove: cfg.Workspace.CleanupOnRemove,
		DeviceDefaults: device.Config{
			ClientType:    cfg.Device.ClientType,
			DeviceVersion: cfg.Device.DeviceVersion,
		},
		NamePrefix: cfg.Device.NamePrefix,
	}, tc, ws, stats, log.Named("manager"))

	events := NewEventLogService(repos.EventRepo, log.Named("eventlog"))
	manager.AddObserver(events)

	return &Service{
		Provisioning:  manager,
		History:       stats,
		EventLog:      events,
		Outcomes:      NewOutcomeService(repos.OutcomeRepo),
		Authorization: NewAuthService(repos.Operators, cfg.Auth.SigningKey, cfg.Auth.TokenTTL),
		Engine:        manager,
		events:        events,
	}
}

// Close stops the engine and then flushes the event log, so the final
// status changes of interrupted runs are persisted.
func (s *Service) Close(ctx context.Context) error {
	err := s.Engine.Close(ctx)
	if s.events != nil {
		s.events.Close()
	}
	return err
}
