package device

import (
	"errors"
	"log/slog"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/DEOS-Org/biosync/internal/cache"
	"github.com/DEOS-Org/biosync/internal/link"
	"github.com/DEOS-Org/biosync/internal/queue"
	"github.com/DEOS-Org/biosync/internal/report"
	"github.com/DEOS-Org/biosync/internal/sensor"
	"github.com/DEOS-Org/biosync/internal/syncer"
	"github.com/DEOS-Org/biosync/internal/transport"
)

// Loop defaults.
const (
	DefaultPollInterval         = 50 * time.Millisecond
	DefaultConnectivityInterval = 30 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultDrainInterval        = 60 * time.Second
	DefaultEnrollTimeout        = 60 * time.Second
	DefaultInboxSize            = 64
)

// Settings are the static parameters of a device.
type Settings struct {
	DeviceID        string
	Location        string
	FirmwareVersion string
	Topics          transport.Topics

	PollInterval         time.Duration
	ConnectivityInterval time.Duration
	HeartbeatInterval    time.Duration
	DrainInterval        time.Duration
	EnrollTimeout        time.Duration
	InboxSize            int
}

func (s Settings) withDefaults() Settings {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.ConnectivityInterval <= 0 {
		s.ConnectivityInterval = DefaultConnectivityInterval
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if s.DrainInterval <= 0 {
		s.DrainInterval = DefaultDrainInterval
	}
	if s.EnrollTimeout <= 0 {
		s.EnrollTimeout = DefaultEnrollTimeout
	}
	if s.InboxSize <= 0 {
		s.InboxSize = DefaultInboxSize
	}
	if s.Topics == (transport.Topics{}) {
		s.Topics = transport.DefaultTopics()
	}
	return s
}

// Context is everything the loop operates on. It is passed explicitly
// instead of living in package globals.
type Context struct {
	Settings Settings

	Cache     *cache.Cache
	Queue     *queue.Queue
	Monitor   *link.Monitor
	Sync      *syncer.Coordinator
	Sensor    sensor.Sensor
	Transport transport.Transport

	// Optional. Defaults: LogFeedback, Discard, gopsutil host stats,
	// time.Now and slog.Default().
	Feedback report.Feedback
	Sink     report.Sink
	Host     HostStats
	// Reports, when set, is the bus report.BusSink publishes on. Reports
	// seen there are mirrored on the status topic.
	Reports  evbus.Bus
	Now      func() time.Time
	Logger   *slog.Logger
}

func (c Context) validate() error {
	switch {
	case c.Settings.DeviceID == "":
		return errors.New("device: device id required")
	case c.Cache == nil:
		return errors.New("device: cache required")
	case c.Queue == nil:
		return errors.New("device: queue required")
	case c.Monitor == nil:
		return errors.New("device: connectivity monitor required")
	case c.Sync == nil:
		return errors.New("device: sync coordinator required")
	case c.Sensor == nil:
		return errors.New("device: sensor required")
	case c.Transport == nil:
		return errors.New("device: transport required")
	}
	return nil
}
