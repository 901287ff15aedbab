package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shiftbeep/internal/client"
	"shiftbeep/internal/config"
	"shiftbeep/internal/events"
	"shiftbeep/internal/httpapi"
	"shiftbeep/internal/metrics"
	"shiftbeep/internal/shifttable"
	"shiftbeep/internal/store"
)

// Version is set during the build process
var version string

func main() {
	if version != "" {
		log.Printf("Starting shiftbeep version %s", version)
	} else {
		log.Print("Starting shiftbeep development version")
	}

	// Parse command line flags
	flags := config.ParseFlags()

	// Load configuration
	cfg, configPath, err := config.LoadConfig(flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Load the shift table. A rig without a table cannot alert, so a
	// missing or invalid table at startup is fatal.
	tables := shifttable.NewStore(cfg.Table.Path)
	if err := tables.Load(); err != nil {
		log.Fatalf("Failed to load shift table: %v", err)
	}
	info := tables.Info()
	log.Printf("Loaded shift table from %s: version %d, %d cars", info.Path, info.Version, info.Cars)

	// Create the MQTT client and the evaluation pipeline around it
	rigClient, err := client.NewRigMQTTClient(cfg, configPath, tables, version)
	if err != nil {
		log.Fatalf("Failed to create MQTT client: %v", err)
	}

	// Open the alert journal if a DSN is configured. The journal is an
	// optional sink; a rig without Postgres still beeps.
	var journal *store.Journal
	if cfg.Store.PostgresDSN != "" {
		journal, err = store.NewJournal(context.Background(), cfg.Store.PostgresDSN)
		if err != nil {
			log.Printf("Alert journal unavailable, continuing without it: %v", err)
			journal = nil
		} else {
			rigClient.AddAlertSink(journal)
		}
	}

	// Create the HTTP API if a listen address is configured
	var api *httpapi.Server
	if cfg.HTTP.Listen != "" {
		api = httpapi.NewServer(cfg, rigClient, tables, journal)
		rigClient.AddAlertSink(api.Hub())
	}

	if err := rigClient.Start(); err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}

	if api != nil {
		go func() {
			if err := api.Start(); err != nil {
				log.Printf("HTTP API stopped: %v", err)
			}
		}()
	}

	// SIGHUP reloads the shift table, SIGINT/SIGTERM shut down
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			log.Println("SIGHUP received, reloading shift table")
			if err := tables.Load(); err != nil {
				metrics.TableReloadFailures.Add(1)
				rigClient.EmitEvent(events.EventTypeTableReload, events.StatusFailed, map[string]interface{}{
					"path":  tables.Path(),
					"error": err.Error(),
				})
				log.Printf("Shift table reload failed, keeping active table: %v", err)
				continue
			}

			metrics.TableReloads.Add(1)
			info := tables.Info()
			log.Printf("Shift table reloaded: version %d, %d cars", info.Version, info.Cars)
			rigClient.EmitEvent(events.EventTypeTableReload, events.StatusTriggered, map[string]interface{}{
				"version":  info.Version,
				"checksum": info.Checksum,
				"cars":     info.Cars,
			})
			continue
		}

		log.Printf("Received %s, shutting down", sig)
		break
	}

	// Stop the HTTP API first so websocket clients get a clean close
	if api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP API shutdown: %v", err)
		}
		shutdownCancel()
	}

	rigClient.Stop()

	if journal != nil {
		journal.Close()
	}
}
