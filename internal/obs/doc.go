// Package obs wires logging and metrics: logrus with optional lumberjack file
// rotation, and an OpenTelemetry meter that observes relayed streams.
package obs
