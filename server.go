package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slytomcat/devtokenizer/api"
	"github.com/slytomcat/devtokenizer/archive"
	"github.com/slytomcat/devtokenizer/cbhandler"
	"github.com/slytomcat/devtokenizer/celcoin"
	"github.com/slytomcat/devtokenizer/compliance"
	"github.com/slytomcat/devtokenizer/configapi"
	"github.com/slytomcat/devtokenizer/device"
	"github.com/slytomcat/devtokenizer/queue"
	"github.com/slytomcat/devtokenizer/risk"
	"github.com/slytomcat/devtokenizer/tokenize"
	"github.com/slytomcat/devtokenizer/tools"
	"github.com/slytomcat/devtokenizer/verification"
)

const (
	configEnv      = "TOKENIZER_CONFIG" // environment variable that can hold the whole configuration
	defaultCountry = "BR"
)

var (
	configFile        = flag.String("config", "./config.json", "`path` to the configuration file")
	envFile           = flag.String("env", ".env", "`path` to the environment file")
	version    string = "unknown version"
)

func init() {
	log.SetFlags(log.Ldate & log.Lmicroseconds)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nUsage:\t"+filepath.Base(os.Args[0])+" [-config=<Path/to/config.json>] [-env=<Path/to/.env>]\n\nOptions:\n")
		flag.PrintDefaults()
	}
}

// LogConfig is the application log identity
type LogConfig struct {
	Host    string
	App     string
	Project string
	Env     string
}

// Config is the service configuration values set
type Config struct {
	API             api.Config
	CfgAPI          configapi.Config
	Tokenizer       tokenize.Config
	Risk            risk.Config
	Devices         device.Config
	Celcoin         celcoin.Config
	OTP             verification.Config
	QUEUE           queue.Config      // empty QueueName disables the record queue
	Kafka           queue.KafkaConfig // empty Topic disables the record publishing
	CBH             cbhandler.Config  // empty CollectorURL disables the call-back handler
	Archive         archive.Config    // empty Bucket disables the report archive
	JournalCapacity int
	Log             LogConfig
}

func main() {

	flag.Parse()
	log.SetFlags(log.Lmicroseconds)
	log.Printf("device tokenizer v.%s", version)
	log.Printf("debug %v", tools.DEBUG)

	// .env is optional
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("ERROR: environment file %s reading error: %v", *envFile, err)
	}

	// get configuration
	config := Config{}
	tools.PanicIf(tools.GetConfig(*configFile, configEnv, &config))

	stop, err := start(&config)
	tools.PanicIf(err)

	// register CTRL-C signal chanel
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	// wait for CTRL-C
	<-exit

	if err = stop(); err != nil {
		panic(err)
	}
}

// start connects the adapters and starts the services. It returns the function that stops them.
func start(config *Config) (func() error, error) {
	if config.Risk.SupportedCountry == "" {
		config.Risk.SupportedCountry = defaultCountry
	}

	// connect to redis
	db, err := verification.Connect(&config.OTP)
	if err != nil {
		return nil, err
	}

	// connect to queue and archive before anything is started in background
	var q *queue.Queue
	if config.QUEUE.QueueName != "" {
		if q, err = queue.NewQueue(&config.QUEUE); err != nil {
			db.Close()
			return nil, err
		}
	}
	var arch *archive.Archive
	if config.Archive.Bucket != "" {
		if arch, err = archive.NewArchive(&config.Archive); err != nil {
			db.Close()
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	host := config.Log.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	journal := compliance.NewJournal(config.JournalCapacity)
	sink := compliance.Tee{
		journal,
		compliance.NewPromSink(reg),
		compliance.NewLogSink(tools.NewAppLog(host, config.Log.App, config.Log.Project, config.Log.Env)),
	}

	var (
		qSink  *queue.Sink
		cbExit chan bool
	)
	if q != nil {
		qSink = queue.NewSink(q, config.QUEUE.BufferSize)
		sink = append(sink, qSink)
		// Start call-back handler
		if config.CBH.CollectorURL != "" {
			cbExit = cbhandler.New(q, &config.CBH)
		}
	}

	// publish to kafka
	var (
		pub     *queue.Publisher
		pubSink *queue.Sink
	)
	if config.Kafka.Topic != "" {
		pub = queue.NewPublisher(&config.Kafka)
		pubSink = queue.NewSink(pub, config.QUEUE.BufferSize)
		sink = append(sink, pubSink)
	}

	signals := risk.NewStaticSignals(&config.Risk)
	provider := celcoin.New(&config.Celcoin)
	verifier := verification.New(&config.OTP, db, nil)

	engine := tokenize.New(&config.Tokenizer, tokenize.Deps{
		Probe:    device.NewStaticProbe(&config.Devices),
		Risk:     risk.NewEngine(config.Risk.SupportedCountry, signals),
		Verifier: verifier,
		Provider: provider,
		Sink:     sink,
	})

	deps := api.Deps{
		Engine:     engine,
		Verifier:   verifier,
		Tokens:     provider,
		Reporter:   journal,
		Prometheus: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		HealthCheck: func() error {
			collect, report := tools.ErrorCollector("error(s) during checks: %+v")
			collect(verifier.Check())
			if q != nil {
				collect(q.Check())
			}
			if arch != nil {
				collect(arch.Check())
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			collect(provider.Check(ctx))
			return report()
		},
	}
	if arch != nil {
		deps.Archive = arch
	}

	// Start API handler
	h := api.NewAPI(&config.API, deps)

	// Start Configuration API handler
	cfg := configapi.NewConfigAPI(&config.CfgAPI, signals, sink)

	return func() error {
		// Clearense
		if cbExit != nil {
			cbExit <- true
		}
		collect, report := tools.ErrorCollector("clearence error(s): %v")
		collect(h.ShutDown())
		collect(cfg.ShutDown())
		if qSink != nil {
			qSink.Close()
			if n := qSink.Dropped(); n > 0 {
				log.Printf("ERROR: %d compliance records were not queued", n)
			}
		}
		if pubSink != nil {
			pubSink.Close()
			collect(pub.Close())
		}
		collect(db.Close())
		return report()
	}, nil
}
