package tactile

import (
	"go.uber.org/zap"
)

// ZapAuditSink returns an audit callback that logs every event as a
// structured line.
func ZapAuditSink(l *zap.Logger) func(AuditEvent) {
	if l == nil {
		l = zap.NewNop()
	}
	return func(ev AuditEvent) {
		fields := []zap.Field{
			zap.String("event", string(ev.Type)),
			zap.String("executor", ev.ExecutorName),
			zap.String("cmd", ev.Command.CommandString()),
		}
		if ev.Command.RequestID != "" {
			fields = append(fields, zap.String("request_id", ev.Command.RequestID))
		}
		for k, v := range ev.Command.Tags {
			fields = append(fields, zap.String("tag."+k, v))
		}
		if r := ev.Result; r != nil {
			fields = append(fields,
				zap.Int("exit_code", r.ExitCode),
				zap.Duration("duration", r.Duration))
			if r.Killed {
				fields = append(fields, zap.String("kill_reason", r.KillReason))
			}
			if r.Error != "" {
				fields = append(fields, zap.String("error", r.Error))
			}
		}

		switch ev.Type {
		case AuditEventError, AuditEventKilled:
			l.Warn("exec audit", fields...)
		default:
			l.Debug("exec audit", fields...)
		}
	}
}

// Chain combines several audit callbacks into one.
func Chain(callbacks ...func(AuditEvent)) func(AuditEvent) {
	return func(ev AuditEvent) {
		for _, cb := range callbacks {
			if cb != nil {
				cb(ev)
			}
		}
	}
}
