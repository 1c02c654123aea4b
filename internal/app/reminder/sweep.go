package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepBatchSize = 100

// StartSweep runs the reconcile sweep on a fixed cadence. It returns the
// cron runner so the caller can stop it on shutdown.
func StartSweep(ctx context.Context, svc *Service, every time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if recovered := svc.ReconcileUnscheduled(ctx, sweepBatchSize); recovered > 0 {
			svc.Logf("reconcile sweep re-scheduled %d reminders", recovered)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
