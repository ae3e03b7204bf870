// Package telemetry provides observability instrumentation for envrun.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and run event fan-out into a
// single bundle created once per process.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("cascade").WithEnvironment(envID)
//	logger.Info("cascade started")
//
// # Events
//
// The EventPublisher delivers module run status changes and log lines in
// publish order. The HTTP layer opens a channel subscription per websocket
// client:
//
//	id, ch := tel.Events.SubscribeChannel(telemetry.FilterByModuleRun(runID))
//	defer tel.Events.Unsubscribe(id)
//
// # Metrics
//
// Metrics live in a private registry exposed through Metrics.Handler, which
// the API server mounts at the configured path. All Record methods are safe
// to call on a nil or disabled *Metrics.
package telemetry
