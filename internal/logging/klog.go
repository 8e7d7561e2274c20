package logging

import (
	"io"
	"log/slog"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
)

// RouteKlog sends client-go's klog output through the given slog logger.
//
// klog writes through two paths: the plain text output and the structured
// logr sink. Both are redirected so nothing reaches stderr directly.
// When verbose is false, klog output is discarded entirely.
func RouteKlog(logger *slog.Logger, verbose bool) {
	if logger == nil {
		logger = slog.Default()
	}

	klog.LogToStderr(false)
	klog.SetOutput(io.Discard)

	if !verbose {
		klog.SetLogger(logr.Discard())
		return
	}

	handler := logger.With(slog.String(KeyComponent, "client-go")).Handler()
	klog.SetLogger(logr.FromSlogHandler(handler))
}
