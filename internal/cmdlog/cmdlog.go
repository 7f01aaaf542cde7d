package cmdlog

import (
	"go.uber.org/zap"

	"tgharvest/internal/logging"
	"tgharvest/internal/metrics"
)

func Run(cmd string, f func() error) error {
	metrics.IncCommandRun(cmd)
	err := f()
	if err != nil {
		metrics.IncCommandError(cmd)
		logging.Error(cmd+"_error", zap.Error(err))
	} else {
		logging.Info(cmd + "_ok")
	}
	return err
}
