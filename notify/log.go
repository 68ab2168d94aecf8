package notify

import (
	"context"
	"errors"
	"sort"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/internal"
	"go.uber.org/zap"
)

// LogSMSSender writes SMS messages, code included, to the logger. Use it
// only where no SMS gateway exists.
type LogSMSSender struct {
	logger *zap.Logger
}

func NewLogSMSSender(logger *zap.Logger) *LogSMSSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSMSSender{logger: logger.Named("sms")}
}

func (s *LogSMSSender) SendSMS(_ context.Context, phoneNumber, message string) error {
	s.logger.Info("sms",
		zap.String("to", internal.MaskPhone(phoneNumber)),
		zap.String("message", message),
	)
	return nil
}

// LogAdminNotifier writes alerts at warn level.
type LogAdminNotifier struct {
	logger *zap.Logger
}

func NewLogAdminNotifier(logger *zap.Logger) *LogAdminNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAdminNotifier{logger: logger.Named("admin_alert")}
}

func (n *LogAdminNotifier) NotifyAdmins(_ context.Context, alert twofa.AdminAlert) error {
	fields := []zap.Field{
		zap.String("kind", alert.Kind),
		zap.String("identity_id", alert.IdentityID),
		zap.String("subject", alert.Subject),
		zap.Time("at", alert.At),
	}
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String("field."+k, alert.Fields[k]))
	}
	n.logger.Warn(alert.Message, fields...)
	return nil
}

// MultiNotifier fans an alert out to every notifier and joins their errors.
type MultiNotifier []twofa.AdminNotifier

func (m MultiNotifier) NotifyAdmins(ctx context.Context, alert twofa.AdminAlert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyAdmins(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ twofa.SMSSender     = (*LogSMSSender)(nil)
	_ twofa.AdminNotifier = (*LogAdminNotifier)(nil)
	_ twofa.AdminNotifier = MultiNotifier(nil)
)
