package logger

import (
	"sync"

	"go.uber.org/zap"
)

var once sync.Once

// Init 初始化全局 zap logger 并替换 zap.L()
func Init() *zap.Logger {
	var l *zap.Logger
	once.Do(func() {
		var err error
		l, err = zap.NewProduction()
		if err != nil {
			panic(err)
		}
		zap.ReplaceGlobals(l)
	})
	return zap.L()
}
