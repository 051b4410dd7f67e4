package log

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/vaultca/vaultca/test"
)

func TestLogOutput(t *testing.T) {
	m := NewMock()
	err := logOutput{m}.Output(2, "exporter started\n")
	test.AssertNotError(t, err, "writing through logOutput")
	test.AssertDeepEquals(t, m.GetAll(), []string{"INFO: exporter started"})
}

func TestOtelErrorsLogged(t *testing.T) {
	m := NewMock()
	InitAdapters(m)
	otel.Handle(errors.New("exporting spans: connection refused"))
	test.AssertEquals(t, len(m.GetAllMatching(`^WARNING: opentelemetry: exporting spans: connection refused$`)), 1)
}
