// Package notify delivers SMS codes and administrator alerts.
//
// Kafka senders publish JSON messages for a downstream delivery service; the
// log senders write to zap and are meant for development.
package notify
