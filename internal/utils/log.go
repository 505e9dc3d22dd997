package utils

import (
	"os"

	"github.com/kairos-io/diskbuilder/internal/constants"
	"github.com/kairos-io/kairos-sdk/types"
	"github.com/rs/zerolog"
)

// KLog is the generic KairosLogger used for the whole build.
var KLog types.KairosLogger

// Log is the plain zerolog logger, a noop until SetLogger is called.
var Log = zerolog.Nop()

func SetLogger(debug bool) {
	level := "info"

	debugFromEnv := os.Getenv(constants.EnvDebug) != ""
	if debug || debugFromEnv {
		level = "debug"
	}
	_ = os.MkdirAll(constants.LogDir, os.ModeDir|os.ModePerm)

	KLog = types.NewKairosLoggerWithExtraDirs("diskbuilder", level, false, constants.LogDir)
	Log = KLog.Logger
}
