package scheduler

import "schedd/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
