package log

import (
	"strings"

	"github.com/go-logr/stdr"
	"go.opentelemetry.io/otel"
)

// InitAdapters routes the log output of third-party libraries through logger.
func InitAdapters(logger Logger) {
	otel.SetLogger(stdr.New(logOutput{logger}))
	otel.SetErrorHandler(otelErrorHandler{logger})
}

// logOutput implements the Output method stdr expects of a standard logger.
type logOutput struct {
	Logger
}

func (l logOutput) Output(_ int, logline string) error {
	l.Logger.Info(strings.TrimSuffix(logline, "\n"))
	return nil
}

// otelErrorHandler reports errors from the OpenTelemetry SDK, such as failed
// span exports, as warnings.
type otelErrorHandler struct {
	Logger
}

func (h otelErrorHandler) Handle(err error) {
	h.Logger.Warningf("opentelemetry: %s", err)
}
