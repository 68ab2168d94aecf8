package twofa

import (
	"io"

	internalaudit "github.com/MrEthical07/twofa/internal/audit"
	"go.uber.org/zap"
)

// AuditEvent records one second-factor outcome: a verification, an
// escalation step, a setup change or an emergency request. It never carries
// codes, secrets or recovery code material.
type AuditEvent = internalaudit.Event

// AuditSink receives events from the engine's background dispatcher.
// Implementations may block; the dispatcher bounds each call with
// AuditConfig.SinkTimeout.
type AuditSink = internalaudit.Sink

type (
	// NoOpSink discards events.
	NoOpSink = internalaudit.NoOpSink
	// ChannelSink exposes events on a buffered channel, mostly for tests.
	ChannelSink = internalaudit.ChannelSink
	// JSONWriterSink writes one JSON object per event.
	JSONWriterSink = internalaudit.JSONWriterSink
	// ZapAuditSink logs events through zap under the "audit" logger.
	ZapAuditSink = internalaudit.ZapSink
	// MultiAuditSink fans events out to several sinks in order.
	MultiAuditSink = internalaudit.MultiSink
)

func NewChannelSink(buffer int) *ChannelSink { return internalaudit.NewChannelSink(buffer) }

func NewJSONWriterSink(w io.Writer) *JSONWriterSink { return internalaudit.NewJSONWriterSink(w) }

func NewZapAuditSink(logger *zap.Logger) *ZapAuditSink { return internalaudit.NewZapSink(logger) }
