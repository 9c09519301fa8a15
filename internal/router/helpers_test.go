package router

import logx "bouncelink/pkg/logx"

func nilLogger() logx.Logger { return logx.Nop() }
