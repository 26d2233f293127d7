package scheduler

import (
	"time"

	"golang.org/x/time/rate"

	logx "myschedule/pkg/logx"
)

const storeWarnEvery = 5 * time.Second

// reportStoreError logs store failures at most once per storeWarnEvery per
// operation. Suppressed reports go to debug.
func (s *Service) reportStoreError(op string, err error, fields ...logx.Field) {
	if err == nil {
		return
	}
	s.warnMu.Lock()
	lim := s.warn[op]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(storeWarnEvery), 1)
		s.warn[op] = lim
	}
	s.warnMu.Unlock()

	fields = append([]logx.Field{logx.String("op", op), logx.Any("err", err)}, fields...)
	if lim.Allow() {
		s.log.Warn("scheduler store operation failed", fields...)
		return
	}
	s.log.Debug("scheduler store operation failed", fields...)
}
