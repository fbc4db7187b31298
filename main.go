package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/marimo-team/reactive-kernel/internal/analyzer"
	"github.com/marimo-team/reactive-kernel/internal/cache"
	"github.com/marimo-team/reactive-kernel/internal/graph"
	"github.com/marimo-team/reactive-kernel/internal/kernelloop"
	"github.com/marimo-team/reactive-kernel/internal/reloader"
	"github.com/marimo-team/reactive-kernel/internal/runner"
	"github.com/marimo-team/reactive-kernel/internal/transport"
	"github.com/marimo-team/reactive-kernel/version"
)

var (
	flagConnectionFile = flag.String("connection_file", "", "Jupyter-style connection file describing the ZMQ sockets to bind; mutually exclusive with --ws")
	flagWSAddr         = flag.String("ws", "", "Address to listen on for a single WebSocket client (e.g. 127.0.0.1:8765); mutually exclusive with --connection_file")
	flagLazy           = flag.Bool("lazy", false, "Run in lazy execution mode instead of autorun")
	flagStrict         = flag.Bool("strict", false, "Treat references to undefined names as a StrictExecutionError instead of running with relaxed semantics")
	flagWatch          = flag.Bool("watch", false, "Watch cell-imported local files and re-run dependents when they change on disk")
	flagCacheDir       = flag.String("cache_dir", "", "Directory used to persist reloader state across restarts; defaults to a per-working-directory hidden cache")
	flagVersion        = flag.Bool("version", false, "Print version information and exit")
)

// connectionInfo mirrors the subset of a Jupyter connection file this
// kernel core needs -- the rest (shell_port, stdin_port, hb_port,
// signature_scheme) belong to the fuller Jupyter wire protocol, which is
// an external-collaborator concern here (spec.md section 1); only the
// iopub/control pair and the signing key matter to transport.ZMQStream.
type connectionInfo struct {
	Transport   string `json:"transport"`
	IP          string `json:"ip"`
	IOPubPort   int    `json:"iopub_port"`
	ControlPort int    `json:"control_port"`
	Key         string `json:"key"`
}

func main() {
	flag.Parse()

	if *flagVersion {
		version.AppVersion.Print()
		return
	}

	if (*flagConnectionFile == "") == (*flagWSAddr == "") {
		fmt.Fprintln(os.Stderr, "exactly one of --connection_file or --ws must be given")
		flag.PrintDefaults()
		os.Exit(1)
	}

	runID := newRunID()
	klog.Infof("reactive-kernel %s starting (run %s)", version.AppVersion.String(), runID)

	stream, queue, err := buildTransport()
	if err != nil {
		klog.Fatalf("failed to set up transport: %+v", err)
	}

	cfg := kernelloop.DefaultConfig()
	cfg.Language = analyzer.LanguagePython
	if *flagLazy {
		cfg.ExecutionMode = runner.ModeLazy
	}
	if *flagStrict {
		cfg.ExecutionType = runner.TypeStrict
	}

	loop := kernelloop.New(cfg, stream, queue, graph.New(), make(map[string]any))

	if *flagWatch {
		if err := wireWatcher(loop, runID); err != nil {
			klog.Errorf("module watcher disabled: %+v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	loop.Run(ctx)

	if err := queue.Close(); err != nil {
		klog.Warningf("error closing control queue: %v", err)
	}
	if err := stream.Close(); err != nil {
		klog.Warningf("error closing stream: %v", err)
	}
	klog.Infof("reactive-kernel exiting")
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "unknown"
	}
	return id.String()[:8]
}

// buildTransport constructs either a ZMQStream or a WSStream depending on
// which flag was given, both satisfying transport.Stream/ControlQueue.
func buildTransport() (transport.Stream, transport.ControlQueue, error) {
	if *flagWSAddr != "" {
		return buildWSTransport(*flagWSAddr)
	}
	return buildZMQTransport(*flagConnectionFile)
}

func buildZMQTransport(path string) (transport.Stream, transport.ControlQueue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read connection file %q", path)
	}
	var conn connectionInfo
	if err := json.Unmarshal(raw, &conn); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse connection file %q", path)
	}
	scheme := "tcp"
	if conn.Transport != "" {
		scheme = conn.Transport
	}
	s, err := transport.NewZMQStream(transport.ZMQConfig{
		PubAddr:     fmt.Sprintf("%s://%s:%d", scheme, conn.IP, conn.IOPubPort),
		ControlAddr: fmt.Sprintf("%s://%s:%d", scheme, conn.IP, conn.ControlPort),
		Key:         []byte(conn.Key),
	})
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

// buildWSTransport serves exactly one WebSocket connection on addr and
// returns once a client has connected, matching the single-session scope
// SPEC_FULL.md sets for the WebSocket adapter.
func buildWSTransport(addr string) (transport.Stream, transport.ControlQueue, error) {
	connected := make(chan *transport.WSStream, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s, err := transport.NewWSStream(w, r)
		if err != nil {
			klog.Warningf("websocket upgrade failed: %v", err)
			return
		}
		select {
		case connected <- s:
		default:
			// A session is already attached; close the extra connection.
			_ = s.Close()
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("websocket server stopped: %v", err)
		}
	}()

	klog.Infof("waiting for a websocket client on %s", addr)
	s := <-connected
	return s, s, nil
}

// wireWatcher installs a reloader.Watcher resolving each cell's imports to
// a same-directory Go source file -- the simplest resolver that makes
// sense for a standalone kernel with no package manager integration (spec.md
// section 1 keeps dependency installation an external concern).
func wireWatcher(loop *kernelloop.Loop, runID string) error {
	dir := *flagCacheDir
	var storage *cache.Storage
	var err error
	if dir != "" {
		storage, err = cache.New(dir)
	} else {
		storage, err = cache.NewHidden()
	}
	if err != nil {
		return errors.WithMessage(err, "failed to open reloader cache")
	}

	reloaderState := reloader.New(storage, "reloader")
	return loop.WatchModules(reloaderState, localFileResolver)
}

// localFileResolver resolves a cell's import to "<module>.go" relative to
// the kernel's working directory, skipping anything that doesn't already
// exist on disk (the Go analogue of module_watcher.py's
// _is_third_party_module filter: stdlib/third-party imports never resolve
// to a watchable local file this way).
func localFileResolver(imp analyzer.ImportData) (string, bool) {
	if imp.Module == "" {
		return "", false
	}
	candidate := filepath.FromSlash(imp.Module) + ".go"
	if _, err := os.Stat(candidate); err != nil {
		return "", false
	}
	return candidate, true
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, the
// reactive-kernel analogue of kernel.go's HandleInterrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
