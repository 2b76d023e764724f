package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"log/syslog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/skycoin/nodelink/internal/metrics"
	"github.com/skycoin/nodelink/internal/sim"
	"github.com/skycoin/nodelink/pkg/util/pathutil"
)

const configEnv = "NODELINK_CONFIG"

var (
	metricsAddr  string
	syslogAddr   string
	tag          string
	cfgFromStdin bool
	serve        bool
)

func init() {
	runCmd.Flags().StringVarP(&metricsAddr, "metrics", "m", "", "address to serve links and metrics on, e.g. :2121")
	runCmd.Flags().StringVar(&syslogAddr, "syslog", "", "syslog server address. E.g. localhost:514")
	runCmd.Flags().StringVar(&tag, "tag", "nodelink-sim", "logging tag")
	runCmd.Flags().BoolVarP(&cfgFromStdin, "stdin", "i", false, "read config from STDIN")
	runCmd.Flags().BoolVar(&serve, "serve", false, "keep the nodes and the metrics API up after the run until interrupted")
}

var runCmd = &cobra.Command{
	Use:   "run [config-path]",
	Short: "Runs a broker and its nodes and exchanges parcels between them",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := logging.MustGetLogger(tag)
		if syslogAddr != "" {
			hook, err := logrus_syslog.NewSyslogHook("udp", syslogAddr, syslog.LOG_INFO, tag)
			if err != nil {
				logger.Fatalf("Unable to connect to syslog daemon on %v", syslogAddr)
			}
			logging.AddHook(hook)
		}

		conf := sim.DefaultConfig()
		if cfgFromStdin {
			logger.Info("Reading config from STDIN")
			if err := json.NewDecoder(bufio.NewReader(os.Stdin)).Decode(conf); err != nil {
				logger.Fatalf("Failed to decode config: %s", err)
			}
		} else if path := pathutil.FindConfigPath(args, 0, configEnv, pathutil.SimDefaults()); path != "" {
			var err error
			if conf, err = sim.ReadConfig(path); err != nil {
				logger.Fatalf("Failed to read config: %s", err)
			}
		} else {
			logger.Info("Using default config")
		}

		var m metrics.Recorder
		if metricsAddr != "" {
			m = metrics.NewPrometheus("nodelink")
		}
		s, err := sim.New(conf, m)
		if err != nil {
			logger.Fatal("Failed to set up simulation: ", err)
		}

		if metricsAddr != "" {
			go func() {
				if err := http.ListenAndServe(metricsAddr, s.Handler()); err != nil {
					logger.Println("Failed to start metrics API:", err)
				}
			}()
		}

		ctx, cancel := context.WithCancel(context.Background())
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}...)
		go func() {
			<-ch
			cancel()
		}()

		report, err := s.Run(ctx)
		if err != nil {
			_ = s.Close() // nolint
			logger.Fatal("Simulation failed: ", err)
		}
		logger.Infof("Exchanged %d parcels over %d routes in %s, %d of them over direct links",
			report.Parcels, report.Routes, report.Elapsed, report.Direct)
		printJSON(report)

		if serve {
			logger.Info("Serving until interrupted")
			<-ctx.Done()
		}
		if err := s.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop nodes")
		}
		logs, err := s.LinkLogs()
		if err != nil {
			logger.WithError(err).Warn("Failed to read link log")
		} else {
			printJSON(logs)
		}
		if err := s.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close simulation")
		}
	},
}
