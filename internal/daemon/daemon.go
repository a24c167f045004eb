// Package daemon wires the supervisor's components together and runs them
// as a single process: config store, event bus, auth broker, window
// manager, installer, terminal supervisor, and the loopback IPC endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pptb-app/pptb/internal/apibroker"
	"github.com/pptb-app/pptb/internal/auth"
	"github.com/pptb-app/pptb/internal/browser"
	"github.com/pptb-app/pptb/internal/config"
	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/dataverse"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fsgate"
	"github.com/pptb-app/pptb/internal/installer"
	"github.com/pptb-app/pptb/internal/ipc"
	ipcserver "github.com/pptb-app/pptb/internal/ipc/server"
	"github.com/pptb-app/pptb/internal/modal"
	"github.com/pptb-app/pptb/internal/procutil"
	"github.com/pptb-app/pptb/internal/registry"
	daemonruntime "github.com/pptb-app/pptb/internal/runtime"
	"github.com/pptb-app/pptb/internal/terminal"
	"github.com/pptb-app/pptb/internal/tools"
	"github.com/pptb-app/pptb/internal/version"
	"github.com/pptb-app/pptb/internal/windows"
)

const (
	// DefaultListenAddr is the loopback endpoint the webview zones attach to.
	DefaultListenAddr = "127.0.0.1:8315"

	// minSupportedAPI is the oldest tool API this build still hosts. Tools
	// declaring an older minAPI are refused as outdated.
	minSupportedAPI = "1.0.0"

	// eventHistorySize bounds the diagnostic ring served by the event
	// history route.
	eventHistorySize = 200

	shutdownTimeout = 10 * time.Second
)

// Options groups the dependencies required to construct a Daemon.
type Options struct {
	Store *store.Store
	Paths config.Paths

	// ListenAddr overrides DefaultListenAddr.
	ListenAddr string

	// RegistryURL overrides the production catalog endpoint.
	RegistryURL string
}

// Daemon is the supervisor process.
type Daemon struct {
	store     *store.Store
	paths     config.Paths
	bus       *eventbus.Bus
	terminals *terminal.Supervisor
	modals    *modal.Broker
	windows   *windows.Manager
	installer *installer.Installer
	ipcSvc    *ipcService
	host      *daemonruntime.ServiceHost
	lifecycle *daemonruntime.Lifecycle

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the daemon, wiring every component but starting nothing.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: configuration store is required")
	}
	if opts.Paths.Home == "" {
		opts.Paths = config.GetPaths()
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}

	bus := eventbus.New()
	launcher := browser.New()
	authBroker := auth.New(opts.Store, launcher, bus)
	gate := fsgate.New()
	modals := modal.NewBroker(bus)
	terminals := terminal.NewSupervisor(bus)
	catalog := tools.NewCatalog(opts.Paths.ToolsDir)
	reg := registry.NewClient(opts.RegistryURL)
	inst := installer.New(catalog, reg, bus, opts.Paths.TempDir)

	manager := windows.NewManager(windows.Options{
		Catalog:         catalog,
		Store:           opts.Store,
		Modals:          modals,
		Bus:             bus,
		Host:            windows.NewMemoryViewHost(),
		Updates:         inst,
		Grants:          gate,
		Terminals:       terminals,
		HostVersion:     version.String(),
		MinSupportedAPI: minSupportedAPI,
	})
	// Uninstall and update must not race a live instance of the tool.
	inst.StopInstances = manager.CloseAllForTool

	history := ipc.NewHistory(eventHistorySize)
	broker := apibroker.New(apibroker.Options{
		Store:           opts.Store,
		Auth:            authBroker,
		Dataverse:       dataverse.NewClient(),
		Gate:            gate,
		Browser:         launcher,
		Terminals:       terminals,
		Windows:         manager,
		Modals:          modals,
		Installer:       inst,
		Registry:        reg,
		Catalog:         catalog,
		History:         history,
		Bus:             bus,
		HostVersion:     version.String(),
		MinSupportedAPI: minSupportedAPI,
	})
	router := ipc.NewRouter()
	broker.RegisterAll(router)

	ipcSvc := &ipcService{
		addr: opts.ListenAddr,
		server: ipcserver.New(ipcserver.Options{
			Router:  router,
			Bus:     bus,
			History: history,
		}),
	}

	host := daemonruntime.NewServiceHost()
	if err := host.Register("ipc", func(ctx context.Context) (daemonruntime.Service, error) {
		return ipcSvc, nil
	}); err != nil {
		return nil, err
	}

	return &Daemon{
		store:     opts.Store,
		paths:     opts.Paths,
		bus:       bus,
		terminals: terminals,
		modals:    modals,
		windows:   manager,
		installer: inst,
		ipcSvc:    ipcSvc,
		host:      host,
		lifecycle: daemonruntime.NewLifecycle(),
	}, nil
}

// Start runs the daemon until Shutdown is called or a service fails. It
// owns the lock file for the duration of the run.
func (d *Daemon) Start() error {
	if err := daemonruntime.WriteLockFile(d.paths.Lock, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write lock file: %w", err)
	}
	defer daemonruntime.RemoveLockFile(d.paths.Lock)

	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.host.Start(d.ctx); err != nil {
		d.cancel()
		return fmt.Errorf("daemon: start services: %w", err)
	}
	log.Printf("[Daemon] IPC endpoint listening on %s", d.ipcSvc.Addr())

	if err := d.windows.RestoreSession(d.ctx); err != nil {
		log.Printf("[Daemon] WARNING: session restore failed: %v", err)
	}

	select {
	case <-d.lifecycle.Done():
		return nil
	case err := <-d.host.Errors():
		log.Printf("[Daemon] fatal service error: %v", err)
		if shutdownErr := d.Shutdown(); shutdownErr != nil {
			log.Printf("[Daemon] shutdown after service error: %v", shutdownErr)
		}
		return err
	}
}

// Shutdown stops services, closes every terminal and modal, and releases
// the event bus. Safe to call more than once.
func (d *Daemon) Shutdown() error {
	d.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		d.shutdownErr = d.host.Stop(ctx)
		d.modals.CloseAll(ctx)
		d.terminals.Shutdown()
		d.bus.Shutdown()
		if d.cancel != nil {
			d.cancel()
		}
		d.lifecycle.Shutdown()
	})
	return d.shutdownErr
}

// Addr returns the bound IPC address once the daemon has started.
func (d *Daemon) Addr() string {
	return d.ipcSvc.Addr()
}

// IsRunning reports whether a daemon already holds the lock for this home
// directory. A stale lock from a dead process is cleaned up.
func IsRunning(paths config.Paths) bool {
	pid := daemonruntime.ReadLockFile(paths.Lock)
	if pid == 0 {
		daemonruntime.RemoveLockFile(paths.Lock)
		return false
	}
	if !procutil.IsProcessAlive(pid) {
		daemonruntime.RemoveLockFile(paths.Lock)
		return false
	}
	return true
}

// Reachable reports whether the IPC endpoint accepts connections.
func Reachable(addr string) bool {
	if addr == "" {
		addr = DefaultListenAddr
	}
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
