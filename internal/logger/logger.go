// Package logger 建立全系統共用的 zap logger
package logger

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日誌設定
type Config struct {
	JSON  bool   // true 使用 JSON 編碼，否則使用人類可讀的 console 編碼
	Level string // debug | info | warn | error，空字串為 info
}

// New 依設定建立 SugaredLogger
func New(cfg Config) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, errors.Wrapf(err, "parse log level %q", cfg.Level)
		}
	}

	var zc zap.Config
	if cfg.JSON {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return l.Sugar(), nil
}

// OrNop 將 nil logger 換成不輸出的 logger
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
