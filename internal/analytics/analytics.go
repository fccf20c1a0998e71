// Package analytics is the best-effort event tracker behind attempt
// creation and merge events. Failures never block or surface; a disabled
// configuration yields a no-op client.
package analytics

import (
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
)

var (
	// PostHogAPIKey is set at build time for production builds.
	PostHogAPIKey = "phc_development_key"
	// PostHogEndpoint is set at build time for production builds.
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// Tracker records engine events. Implementations must be safe to call from
// any goroutine and must never block the caller meaningfully.
type Tracker interface {
	Track(event string, properties map[string]any)
	Close()
}

// NoOp is the Tracker used when analytics is disabled or unavailable.
type NoOp struct{}

func (NoOp) Track(string, map[string]any) {}
func (NoOp) Close()                       {}

// silentLogger suppresses PostHog's own log output; timeouts are expected
// for best-effort telemetry.
type silentLogger struct{}

func (silentLogger) Logf(string, ...interface{})   {}
func (silentLogger) Debugf(string, ...interface{}) {}
func (silentLogger) Warnf(string, ...interface{})  {}
func (silentLogger) Errorf(string, ...interface{}) {}

// posthogTracker sends events to PostHog keyed by an anonymous
// machine-scoped distinct id.
type posthogTracker struct {
	client    posthog.Client
	machineID string
}

// NewTracker returns a PostHog-backed Tracker when enabled, or a NoOp when
// disabled or when client setup fails for any reason.
func NewTracker(enabled bool, version string) Tracker {
	if !enabled {
		return NoOp{}
	}

	id, err := machineid.ProtectedID("kanbanforge")
	if err != nil {
		return NoOp{}
	}

	// Fast-timeout transport: telemetry must never stall engine shutdown.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 100 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   100 * time.Millisecond,
		ResponseHeaderTimeout: 100 * time.Millisecond,
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    100 * time.Millisecond,
		BatchUploadTimeout: 200 * time.Millisecond,
		Transport:          transport,
		Logger:             silentLogger{},
		DisableGeoIP:       posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("engine_version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
	if err != nil {
		return NoOp{}
	}

	return &posthogTracker{client: client, machineID: id}
}

func (t *posthogTracker) Track(event string, properties map[string]any) {
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	_ = t.client.Enqueue(posthog.Capture{
		DistinctId: t.machineID,
		Event:      event,
		Properties: props,
	})
}

func (t *posthogTracker) Close() {
	_ = t.client.Close()
}
