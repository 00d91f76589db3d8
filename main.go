package main

import (
	"go.uber.org/zap"

	"github.com/nsmura/kitsune/coremain"
	"github.com/nsmura/kitsune/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Fatal("exit", zap.Error(err))
	}
}
