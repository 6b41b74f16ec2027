package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/persontrack/internal/api"
	"github.com/banshee-data/persontrack/internal/config"
	"github.com/banshee-data/persontrack/internal/lock"
	"github.com/banshee-data/persontrack/internal/monitoring"
	"github.com/banshee-data/persontrack/internal/publish"
	"github.com/banshee-data/persontrack/internal/sensor"
	"github.com/banshee-data/persontrack/internal/skeleton"
	"github.com/banshee-data/persontrack/internal/timeutil"
	"github.com/banshee-data/persontrack/internal/trackdb"
	"github.com/banshee-data/persontrack/internal/tracker"
	"github.com/banshee-data/persontrack/internal/version"
)

var (
	configPath  = flag.String("config", "", "Tuning config JSON (defaults built in)")
	listen      = flag.String("listen", ":8080", "HTTP listen address (empty disables the API)")
	dbPath      = flag.String("db", "", "SQLite file for lock events and trajectories (empty disables recording)")
	source      = flag.String("source", "replay", "Pose source: replay, udp or pcap")
	replayPath  = flag.String("replay", "fixtures/walk.jsonl", "JSONL frame file for -source=replay")
	udpAddr     = flag.String("udp-addr", ":9870", "Listen address for -source=udp")
	udpStale    = flag.Duration("udp-stale", 500*time.Millisecond, "Clear bodies when no UDP frame arrives for this long")
	pcapPath    = flag.String("pcap", "", "Capture file for -source=pcap")
	pcapPort    = flag.Uint("pcap-port", 9870, "UDP destination port to replay from the capture (0 = any)")
	forwardAddr = flag.String("forward-addr", "", "Forward published poses as JSON datagrams to host:port")
	target      = flag.Uint("target", 0, "Initial desired target id (0 = none)")
	transform   = flag.String("transform", "", "Static sensor pose in the reference frame: x,y,z,yaw or x,y,z,yaw,pitch,roll; \"none\" disables global output")
	logInterval = flag.Duration("log-interval", 10*time.Second, "Cycle statistics log interval (0 disables)")
	opsLog      = flag.String("ops-log", "", "Append lock transitions and sensor faults to this file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// poseSource is a tracker pose provider that owns a file or socket.
type poseSource interface {
	tracker.PoseProvider
	io.Closer
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if err := validateFlags(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal(err)
	}
}

func validateFlags() error {
	switch *source {
	case "replay":
		if *replayPath == "" {
			return errors.New("-replay is required for -source=replay")
		}
	case "udp":
		if *udpAddr == "" {
			return errors.New("-udp-addr is required for -source=udp")
		}
	case "pcap":
		if *pcapPath == "" {
			return errors.New("-pcap is required for -source=pcap")
		}
		if *pcapPort > 65535 {
			return fmt.Errorf("-pcap-port %d out of range", *pcapPort)
		}
	default:
		return fmt.Errorf("unknown -source %q (want replay, udp or pcap)", *source)
	}
	if *target > 65535 {
		return fmt.Errorf("-target %d out of range", *target)
	}
	return nil
}

func loadTuning() (*config.TuningConfig, error) {
	if *configPath == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(*configPath)
}

// openSource opens the pose source named by -source, retrying until it
// succeeds or ctx is cancelled.
func openSource(ctx context.Context, clock timeutil.Clock) (poseSource, error) {
	var open func() (poseSource, error)
	switch *source {
	case "replay":
		open = func() (poseSource, error) {
			p, err := sensor.OpenReplay(*replayPath)
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	case "udp":
		open = func() (poseSource, error) {
			p, err := sensor.OpenUDP(ctx, sensor.UDPConfig{Address: *udpAddr, StaleAfter: *udpStale, Clock: clock})
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	case "pcap":
		open = func() (poseSource, error) {
			p, err := sensor.OpenPCAP(*pcapPath, uint16(*pcapPort))
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	default:
		return nil, fmt.Errorf("unknown -source %q", *source)
	}
	return sensor.OpenWithRetry(ctx, clock, sensor.DefaultRetryInterval, *source, open)
}

func openTransform(cfg tracker.Config) (*sensor.StaticTransform, error) {
	if *transform == "none" {
		return sensor.NewUnavailableTransform(cfg.ReferenceFrame, cfg.CameraFrame), nil
	}
	pose, err := sensor.ParsePose(*transform)
	if err != nil {
		return nil, fmt.Errorf("-transform: %w", err)
	}
	return sensor.NewStaticTransform(cfg.ReferenceFrame, cfg.CameraFrame, pose), nil
}

func run(ctx context.Context) error {
	monitoring.Logf("%s", version.String())

	if *opsLog != "" {
		f, err := os.OpenFile(*opsLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open ops log: %w", err)
		}
		defer f.Close()
		monitoring.SetOpsWriter(f)
		defer monitoring.SetOpsWriter(nil)
	}

	tuning, err := loadTuning()
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}
	cfg, err := tracker.ConfigFromTuning(tuning)
	if err != nil {
		return err
	}
	cfg.LogInterval = *logInterval

	xf, err := openTransform(cfg)
	if err != nil {
		return err
	}

	clock := timeutil.RealClock{}
	src, err := openSource(ctx, clock)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open %s source: %w", *source, err)
	}
	defer src.Close()

	pubs := publish.Multi{publish.NewLogPublisher(*logInterval)}
	var opts []tracker.Option

	var history api.History
	if *dbPath != "" {
		db, err := trackdb.Open(*dbPath)
		if err != nil {
			return fmt.Errorf("open track database: %w", err)
		}
		defer db.Close()
		history = db

		rec := publish.NewRecorder(db)
		pubs = append(pubs, rec)
		opts = append(opts, tracker.WithEventSink(rec))
	}

	if *forwardAddr != "" {
		fwd, err := publish.NewUDPForwarder(*forwardAddr, *logInterval)
		if err != nil {
			return err
		}
		fwd.Start(ctx)
		defer fwd.Close()
		pubs = append(pubs, fwd)
	}

	store := lock.NewTargetStore(skeleton.PersonID(*target))
	tr := tracker.New(cfg, src, xf, pubs, store, opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if *listen != "" {
		srv := api.NewServer(tr, store, history, tuning, clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(runCtx, *listen); err != nil {
				monitoring.Logf("[api] server failed: %v", err)
			}
		}()
	}

	monitoring.Logf("[tracker] running at %v from %s source (camera=%s reference=%s)",
		cfg.Interval, *source, cfg.CameraFrame, cfg.ReferenceFrame)
	err = tr.Run(runCtx)

	// The loop ended (signal, end of replay or a fatal error): stop the API too.
	cancel()
	wg.Wait()
	tr.Stats().LogStats()
	return err
}
