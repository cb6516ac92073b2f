package conversation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// StartCleanup deletes conversations idle for longer than idleTTL every
// interval until ctx is cancelled. The returned channel closes when the loop
// exits.
func (s *Service) StartCleanup(ctx context.Context, interval, idleTTL time.Duration) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupOnce(ctx, idleTTL)
			}
		}
	}()

	return done
}

func (s *Service) cleanupOnce(ctx context.Context, idleTTL time.Duration) {
	n, err := s.store.DeleteInactive(ctx, s.now().Add(-idleTTL))
	if err != nil {
		logrus.Errorf("Ошибка очистки неактивных разговоров: %v", err)
		return
	}
	s.metrics.Evicted(n)
	if n > 0 {
		logrus.Infof("Очистка: удалено %d разговоров без активности более %v", n, idleTTL)
	}
}
