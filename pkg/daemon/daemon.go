package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/tapster-pi/tapster/pkg/calibration"
	"github.com/tapster-pi/tapster/pkg/config"
	"github.com/tapster-pi/tapster/pkg/controller"
	"github.com/tapster-pi/tapster/pkg/events"
	"github.com/tapster-pi/tapster/pkg/history"
	"github.com/tapster-pi/tapster/pkg/recipes"
	"github.com/tapster-pi/tapster/pkg/relay"
)

var (
	conf      config.Config
	ctrl      *controller.Controller
	catalog   atomic.Pointer[recipes.Catalog]
	journal   *history.Journal
	hub       *events.EventHub
	scheduler *Scheduler

	// shutdownCh is closed when the daemon starts shutting down, so that
	// event streams end before the http server waits for them.
	shutdownCh = make(chan struct{})
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/version", getVersion)
	router.GET("/status", getStatus)
	router.GET("/recipes", listRecipes)
	router.GET("/recipes/:name", getRecipe)
	router.POST("/dispense", postDispense)
	router.POST("/dispense/:name", postDispenseByName)
	router.POST("/test", postTest)
	router.POST("/clean", postClean)
	router.GET("/calibration", getCalibration)
	router.POST("/calibration/:action", postCalibrationAction)
	router.GET("/history", getHistory)
	router.GET("/clean-schedule", getCleanSchedule)
	router.PUT("/clean-schedule", setCleanSchedule)
	router.POST("/clean-schedule/postpone", postponeCleanSchedule)
	router.POST("/clean-schedule/skip", skipCleanSchedule)
	router.GET("/events", streamEvents)

	return router
}

func newDriver(c config.Config) relay.Driver {
	if c.Driver() == config.DriverMock {
		logrus.Warn("using the mock relay driver, nothing will be poured")
		return relay.NewMockDriver()
	}
	return relay.NewGPIODriver(c.ActiveLow())
}

// reload rereads the config file. Channel lines, the driver and file paths
// need a restart; the clean schedule and margin and the recipe book do not.
func reload() {
	lines := conf.Channels()
	driver := conf.Driver()

	if err := conf.Load(); err != nil {
		logrus.Errorf("failed to reload config: %v", err)
		return
	}
	if !slices.Equal(lines, conf.Channels()) || driver != conf.Driver() {
		logrus.Warn("channel or driver settings changed, restart the daemon to apply them")
	}

	if err := scheduler.Schedule(conf.CleanSchedule()); err != nil {
		logrus.Errorf("failed to apply clean schedule: %v", err)
	}

	if c, err := recipes.Load(conf.RecipesPath()); err != nil {
		logrus.Errorf("failed to reload recipe book, keeping the old one: %v", err)
	} else {
		catalog.Store(c)
	}

	logrus.Infof("config reloaded")
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	var err error
	conf, err = config.NewFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config during startup: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	if f, ok := conf.(*config.File); ok {
		logrus.WithFields(f.LogrusFields()).Infof("config loaded")
	}

	if err := os.MkdirAll(filepath.Dir(conf.LockPath()), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	lock := flock.New(conf.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire daemon lock %s: %w", conf.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("another daemon holds %s", conf.LockPath())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logrus.Warnf("failed to release daemon lock: %v", err)
		}
	}()

	set, err := relay.NewSet(newDriver(conf), conf.Channels())
	if err != nil {
		return fmt.Errorf("failed to set up relay channels: %w", err)
	}

	store, err := calibration.NewStore(conf.CalibrationPath(), set.Len())
	if err != nil {
		_ = set.Close()
		return err
	}
	if store.NeedsCalibration() {
		logrus.Warn("channels are not calibrated, run tapster calibrate")
	}

	journal, err = history.Open(conf.HistoryPath())
	if err != nil {
		_ = set.Close()
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logrus.Errorf("failed to close pour journal: %v", err)
		}
	}()

	c, err := recipes.Load(conf.RecipesPath())
	if err != nil {
		_ = set.Close()
		return err
	}
	catalog.Store(c)

	hub = events.NewEventHub()

	ctrl, err = controller.New(set, store, controller.WithRecorder(journal), controller.WithPublisher(hub))
	if err != nil {
		_ = set.Close()
		return err
	}

	scheduler = newCleanScheduler()
	if err := scheduler.Schedule(conf.CleanSchedule()); err != nil {
		logrus.Errorf("scheduled cleaning disabled: %v", err)
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			reload()
		}
	}()

	srv := &http.Server{
		Handler:           setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// We hold the lock, so a socket left behind is stale.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("failed to remove stale socket %s: %v", unixSocketPath, err)
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		_ = ctrl.Close()
		return err
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		if err := os.Chmod(unixSocketPath, 0777); err != nil {
			_ = ctrl.Close()
			return err
		}
	}

	// Scheduled cleans only start once nothing can fail before the signal
	// loop, which stops the scheduler before closing the channels.
	scheduler.Start()

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	close(shutdownCh)
	scheduler.Stop()

	// A pour in flight cannot be interrupted, give it time to finish.
	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("turning off all channels")
	if err := ctrl.Close(); err != nil {
		logrus.Errorf("failed to turn off channels: %v", err)
	}

	logrus.Info("exiting")
	return nil
}
