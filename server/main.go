/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/johanix/zud/zud"
)

var appVersion = "v0.3.0"

func mainloop(conf *zud.Config, cancel context.CancelFunc) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var err error
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: Exit signal received. Cleaning up.")
				cancel()
				wg.Done()
			case <-hupper:
				log.Println("mainloop: SIGHUP received. Reloading config and zones.")
				_, err = conf.ReloadConfig()
				if err != nil {
					log.Printf("Error reloading config: %v", err)
				}
				_, err = zud.ParseZones(conf, true) // true = reload
				if err != nil {
					log.Printf("Error parsing zones: %v", err)
				}

			case <-conf.Internal.APIStopCh:
				log.Println("mainloop: Stop command received. Cleaning up.")
				cancel()
				wg.Done()
			}
		}
	}()
	wg.Wait()

	fmt.Println("mainloop: leaving signal dispatcher")
}

func main() {
	var conf zud.Config

	conf.ServerBootTime = time.Now()
	conf.ServerConfigTime = time.Now()
	conf.AppVersion = appVersion
	conf.AppName = "zud-server"

	flag.StringVar(&conf.Internal.CfgFile, "config", zud.DefaultCfgFile, "Config file")
	flag.StringVar(&conf.Internal.ZonesCfgFile, "zones", zud.ZonesCfgFile, "Zone config file")
	flag.BoolVarP(&zud.Globals.Debug, "debug", "d", false, "Debug mode")
	flag.BoolVarP(&zud.Globals.Verbose, "verbose", "v", false, "Verbose mode")
	flag.Parse()

	err := zud.ParseConfig(&conf, false) // false: not reload, initial parsing
	if err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}
	db := conf.Internal.DB

	logfile := viper.GetString("log.file")
	zud.SetupLogging(logfile)
	fmt.Printf("Logging to file: %s\n", logfile)

	fmt.Printf("ZUD version %s starting.\n", appVersion)

	_, err = zud.ParseZones(&conf, false) // false: not reload, initial parsing
	if err != nil {
		log.Fatalf("Error parsing zones: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	audit := zud.NewAuditLogger(db, conf.Audit.AuditToggles())
	authz := zud.NewAuthzSource(db, conf.Update.UseRuleTable, nil)

	conf.Internal.Audit = audit
	conf.Internal.Xfr = zud.NewXfrResponder(db, authz, audit, conf.Transfer.RequireSigned)
	conf.Internal.Xfr.EnvelopeSize = conf.Transfer.EnvelopeSize

	pipeline := zud.NewUpdatePipeline(db, authz, audit, conf.Update.RequireSigned)
	pipeline.Proc.SerialBumpOnNoop = conf.Update.SerialBumpOnNoop
	conf.Internal.Pipeline = pipeline

	apistopper := make(chan struct{})
	conf.Internal.APIStopCh = apistopper
	router, err := zud.SetupAPIRouter(&conf)
	if err != nil {
		log.Fatalf("Error setting up API router: %v", err)
	}
	err = zud.APIdispatcher(&conf, router, apistopper)
	if err != nil {
		log.Printf("API dispatcher not started: %v", err)
	}

	conf.Internal.DnsUpdateQ = make(chan zud.DnsUpdateRequest, 100)
	conf.Internal.DnsNotifyQ = make(chan zud.DnsNotifyRequest, 100)
	conf.Internal.PrunerStopCh = make(chan struct{})

	go pipeline.UpdateHandler(&conf)
	go zud.NotifyHandler(ctx, &conf, audit)
	go zud.DnsEngine(ctx, &conf)
	go zud.JournalPruner(db, conf.Journal.Retention(), conf.Journal.PruneEvery(), conf.Internal.PrunerStopCh)

	mainloop(&conf, cancel)
}
