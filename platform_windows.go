//go:build windows

package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/Microsoft/go-winio"
	log "github.com/sirupsen/logrus"
)

func platformFlags() {
	flag.StringVar(&socket, "socket", "", `path to a Windows named pipe (e.g. \\.\pipe\goota) to use instead of listening on an ip and port; if specified, the ip and port options are ignored`)
}

func trySocketListener() (net.Listener, error) {
	if socket != "" {
		addr = fmt.Sprintf("{pipe %s}", socket)
		return winio.ListenPipe(socket, nil)
	}
	return nil, nil
}

func dropPrivileges(uid, gid int) error {
	return fmt.Errorf("setuid and setgid are not supported on windows")
}

func setupSignals() {
	log.Debug("setting up os signal watcher")

	signals = make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)

	go watchForSignals()
}

func watchForSignals() {
	for {
		sig := <-signals
		if sig == os.Interrupt {
			log.Info("caught interrupt signal, exiting")
			shutdown(0)
		}
	}
}
