//go:build !windows

package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/activation"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mycoool/goota/internal/config"
)

func platformFlags() {
	flag.IntVar(&setUID, "setuid", 0, "set user ID after opening listening port; must be used with setgid")
	flag.IntVar(&setGID, "setgid", 0, "set group ID after opening listening port; must be used with setuid")
	flag.StringVar(&socket, "socket", "", "path to a Unix socket (e.g. /tmp/goota.sock) to use instead of listening on an ip and port; if specified, the ip and port options are ignored")
}

// trySocketListener prefers a systemd-activated socket, then a Unix
// socket from -socket. A nil listener with nil error means neither is
// in play and the caller should open a tcp listener.
func trySocketListener() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) > 1 {
		return nil, fmt.Errorf("expected one socket fd from systemd, got %d", len(listeners))
	}
	if len(listeners) == 1 {
		addr = "{systemd socket}"
		return listeners[0], nil
	}

	if socket != "" {
		addr = fmt.Sprintf("{unix socket %s}", socket)
		return net.Listen("unix", socket)
	}

	return nil, nil
}

func dropPrivileges(uid, gid int) error {
	if err := unix.Setgid(gid); err != nil {
		return err
	}
	return unix.Setuid(uid)
}

func setupSignals() {
	log.Debug("setting up os signal watcher")

	signals = make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGTERM, os.Interrupt)

	go watchForSignals()
}

func watchForSignals() {
	for {
		sig := <-signals
		switch sig {
		case syscall.SIGUSR1:
			log.Info("caught USR1 signal, reopening log file")
			reopenLogFile()

		case syscall.SIGHUP:
			log.Info("caught HUP signal, reloading configuration")
			if err := config.LoadAppConfig(); err != nil {
				log.Errorf("configuration reload failed: %v", err)
				continue
			}
			if manager != nil {
				manager.Rearm()
			}

		case os.Interrupt, syscall.SIGTERM:
			log.Infof("caught %s signal, exiting", sig)
			shutdown(0)

		default:
			log.Infof("caught unhandled signal %+v", sig)
		}
	}
}
