package testlog

import (
	"testing"

	"github.com/danmuck/flockctl/internal/observability"
)

func Start(t *testing.T) {
	t.Helper()
	logger := observability.InitTestLogger()
	logger.Info().Str("test", t.Name()).Msg("test start")
}
