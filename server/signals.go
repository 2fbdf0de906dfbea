package server

import (
	"os"
	"os/signal"
	"syscall"

	logger "github.com/moontrade/log"
)

// watchSignals stops the server on the usual process signals: SIGTERM
// drains gracefully under the configured shutdown timeout, SIGINT and
// SIGQUIT stop immediately.
func (s *Server) watchSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			if sig == syscall.SIGTERM {
				logger.Info("SIGTERM received, draining")
				s.Stop(s.cfg.ShutdownTimeout)
			} else {
				logger.Info("%s received, stopping", sig)
				s.Stop(0)
			}
		case <-s.done:
		}
	}()
}
