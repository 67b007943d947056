package engine

import (
	"context"

	"go.uber.org/zap"
)

// =============================================================================
// ZAP AUDIT LOG - Default audit collaborator
// =============================================================================

// ZapAuditLog emits audit facts as structured log lines. Storage and
// delivery beyond the log stream belong to the audit collaborator.
type ZapAuditLog struct {
	Logger *zap.Logger
}

func NewZapAuditLog(logger *zap.Logger) *ZapAuditLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAuditLog{Logger: logger}
}

func (a *ZapAuditLog) Record(_ context.Context, entry AuditEntry) {
	fields := []zap.Field{
		zap.String("action", string(entry.Action)),
		zap.String("entityType", entry.EntityType),
		zap.String("entityId", entry.EntityID),
		zap.String("actorId", string(entry.ActorID)),
	}
	for k, v := range entry.Meta {
		fields = append(fields, zap.String("meta."+k, v))
	}
	a.Logger.Info("audit", fields...)
}
