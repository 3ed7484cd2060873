package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes facts to a zap logger at Info.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, f Fact) error {
	fields := []zap.Field{
		zap.String("type", f.Type),
		zap.Time("at", f.At),
	}
	if f.AgreementID != "" {
		fields = append(fields, zap.String("agreement_id", f.AgreementID), zap.String("kind", string(f.Kind)))
	}
	if f.Actor != "" {
		fields = append(fields, zap.String("actor", f.Actor))
	}
	if f.Payer != "" || f.Target != "" {
		fields = append(fields, zap.String("payer", f.Payer), zap.String("target", f.Target))
	}
	if f.Asset != "" {
		fields = append(fields, zap.String("asset", f.Asset), zap.Int64("amount", f.Amount))
	}
	if len(f.Details) > 0 {
		fields = append(fields, zap.Any("details", f.Details))
	}
	s.logger.Info("ledger fact", fields...)
	return nil
}
