package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/mycoool/goota/internal/client"
	"github.com/mycoool/goota/internal/config"
	"github.com/mycoool/goota/internal/database"
	"github.com/mycoool/goota/internal/identity"
	"github.com/mycoool/goota/internal/pidfile"
	"github.com/mycoool/goota/internal/router"
	"github.com/mycoool/goota/internal/stream"
	"github.com/mycoool/goota/internal/update"
)

// exitCodeRestart tells the supervisor (systemd, runit, ...) to restart
// the agent so the newly applied image takes effect.
const exitCodeRestart = 3

var (
	ip                 = flag.String("ip", "0.0.0.0", "ip the management api should listen on")
	port               = flag.Int("port", 9001, "port the management api should listen on")
	verbose            = flag.Bool("verbose", false, "show verbose output")
	debug              = flag.Bool("debug", false, "show debug output")
	ginDebug           = flag.Bool("gin-debug", false, "show gin debug output")
	logPath            = flag.String("logfile", "", "send log output to a file; implicitly enables verbose logging")
	configPath         = flag.String("config", "", "path to the agent config file")
	pidPath            = flag.String("pidfile", "", "create PID file at the given path")
	justDisplayVersion = flag.Bool("version", false, "display goota version and quit")

	signals chan os.Signal
	pidFile *pidfile.PIDFile
	logFile *os.File
	setUID  = 0
	setGID  = 0
	socket  = ""
	addr    = ""

	manager *update.Manager
	svr     *http.Server
)

func main() {
	// register platform-specific flags
	platformFlags()

	flag.Parse()

	if *justDisplayVersion {
		fmt.Println("goota version " + Version)
		os.Exit(0)
	}

	if (setUID != 0 || setGID != 0) && (setUID == 0 || setGID == 0) {
		fmt.Println("error: setuid and setgid options must be used together")
		os.Exit(1)
	}

	if *debug || *logPath != "" {
		*verbose = true
	}

	setupLogging()

	if *configPath != "" {
		config.ConfigFile = *configPath
	}

	// set gin mode according to debug flag, must be set before InitRouter
	if *ginDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := config.LoadAppConfig(); err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg := config.GetAppConfig()

	// final port: agent.yaml wins over the command line flag
	finalPort := *port
	if cfg.Port != 0 {
		finalPort = cfg.Port
	}

	// by default the listen address is ip:port, but this may be modified
	// by trySocketListener
	addr = fmt.Sprintf("%s:%d", *ip, finalPort)

	ln, err := trySocketListener()
	if err != nil {
		log.Fatalf("error listening on socket: %v", err)
	}
	if ln == nil {
		// Open listener early so we can drop privileges.
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("error listening on %s: %v", addr, err)
		}
	}

	if setUID != 0 {
		if err := dropPrivileges(setUID, setGID); err != nil {
			log.Fatalf("error dropping privileges: %v", err)
		}
	}

	if *pidPath != "" {
		pidFile, err = pidfile.New(*pidPath)
		if err != nil {
			log.Fatalf("error creating pidfile: %v", err)
		}

		defer func() {
			// ^C is handled by the signal handler, which also removes
			// the pidfile.
			if nerr := pidFile.Remove(); nerr != nil {
				log.Error(nerr)
			}
		}()
	}

	log.Infof("goota version %s starting", Version)

	if err := database.InitDatabase(&cfg.Database); err != nil {
		log.Errorf("failed to initialize database: %v", err)
		// fall back to the default sqlite file
		if initErr := database.InitDatabase(database.DefaultDatabaseConfig()); initErr != nil {
			log.Fatalf("failed to initialize database with default config: %v", initErr)
		}
	}
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	database.InitStateService()
	database.State.ScheduleCleanup(cfg.Database.LogRetentionDays)

	id, err := identity.Load(cfg.Device.DataDir)
	if err != nil {
		log.Fatalf("failed to load device identity: %v", err)
	}
	if !id.Provisioned() {
		log.Warn("device is not provisioned, update checks will idle until credentials appear")
	}

	client.EnsureDefaultUser()

	manager = update.NewManager(config.GetAppConfig, id, database.State, stream.Global, Version)
	manager.OnDirective = handleDirective

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Start(ctx)

	watcher, err := config.WatchAppConfig(manager.Rearm)
	if err != nil {
		log.Warnf("config hot reload unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	// set os signal watcher
	setupSignals()

	svr = &http.Server{Handler: router.InitRouter(manager)}

	log.Infof("serving management api on %s", addr)
	if err := svr.Serve(ln); err != nil && err != http.ErrServerClosed {
		log.Error(err)
	}
}

// setupLogging configures log level and destination from the flags.
func setupLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	switch {
	case *debug:
		log.SetLevel(log.DebugLevel)
	case *verbose:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.WarnLevel)
	}

	if *logPath != "" {
		reopenLogFile()
	}
}

// reopenLogFile (re)opens the -logfile target, used at startup and on
// SIGUSR1 for logrotate support.
func reopenLogFile() {
	file, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		log.Errorf("error opening log file %q: %v", *logPath, err)
		return
	}

	old := logFile
	logFile = file
	log.SetOutput(file)

	if old != nil {
		old.Close()
	}
}

// handleDirective reacts to the apply hook's exit/restart request once
// the apply step has fully resolved.
func handleDirective(d update.Directive) {
	switch d {
	case update.DirectiveExit:
		log.Info("apply hook requested exit")
		shutdown(0)
	case update.DirectiveRestart:
		log.Info("apply hook requested restart")
		shutdown(exitCodeRestart)
	}
}

// shutdown stops the update loop, drains the http server and exits with
// the given code.
func shutdown(code int) {
	if manager != nil {
		manager.Stop()
	}

	if svr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svr.Shutdown(ctx); err != nil {
			log.Errorf("http server shutdown: %v", err)
		}
	}

	if err := database.CloseDB(); err != nil {
		log.Errorf("database close: %v", err)
	}

	if socket != "" {
		os.Remove(socket)
	}

	if pidFile != nil {
		if err := pidFile.Remove(); err != nil {
			log.Error(err)
		}
	}

	os.Exit(code)
}
