package cmd

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/longhorn/longhorn-devio/pkg/util"
)

var (
	hooksLock sync.Mutex
	hooks     []func()
)

// addShutdown registers f to run when the process receives SIGINT or SIGTERM.
// Hooks run once, newest first, so services stop before what they depend on.
func addShutdown(f func()) {
	hooksLock.Lock()
	defer hooksLock.Unlock()
	if len(hooks) == 0 {
		registerShutdown()
	}

	hooks = append(hooks, f)
	logrus.Debugf("Added shutdown func %v", util.GetFunctionName(f))
}

func registerShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-c
		logrus.Warnf("Received signal %v to shutdown", s)

		hooksLock.Lock()
		pending := append([]func(){}, hooks...)
		hooksLock.Unlock()
		for i := len(pending) - 1; i >= 0; i-- {
			logrus.Warnf("Starting to execute registered shutdown func %v", util.GetFunctionName(pending[i]))
			pending[i]()
		}
		os.Exit(0)
	}()
}
