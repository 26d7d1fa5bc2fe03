package runtime

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	configpkg "github.com/drblury/durabus/internal/runtime/config"
	loggingpkg "github.com/drblury/durabus/internal/runtime/logging"
)

func TestNewLoggerFormats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{format: configpkg.LogText, want: []string{"msg=hello", "service=orders-service", "order_id=o-1"}},
		{format: configpkg.LogJSON, want: []string{`"msg":"hello"`, `"service":"orders-service"`, `"order_id":"o-1"`}},
		{format: configpkg.LogZerolog, want: []string{`"message":"hello"`, `"service":"orders-service"`, `"order_id":"o-1"`}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			log := newLogger(&configpkg.Config{ServiceName: "orders-service", NodeID: 1, LogFormat: tt.format}, &buf)
			log.Info("hello", loggingpkg.LogFields{"order_id": "o-1"})
			for _, want := range tt.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestNewLoggerDebugLevel(t *testing.T) {
	for _, format := range []string{configpkg.LogText, configpkg.LogZerolog} {
		var quiet, verbose bytes.Buffer
		newLogger(&configpkg.Config{LogFormat: format}, &quiet).Debug("details", nil)
		newLogger(&configpkg.Config{LogFormat: format, LogDebug: true}, &verbose).Debug("details", nil)

		assert.Empty(t, quiet.String(), format)
		assert.Contains(t, verbose.String(), "details", format)
	}
}
