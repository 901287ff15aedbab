package handlers

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"shiftbeep/internal/events"
	"shiftbeep/internal/metrics"
	"shiftbeep/internal/shifttable"
	"shiftbeep/internal/utils"
)

// handleTableUpdateCommand handles the table:update command. It downloads
// a shift table from the given URL, verifies the checksum and activates it
// through the table store, which validates the payload before swapping.
func handleTableUpdateCommand(client CommandHandlerClient, params map[string]interface{}, requestID string, tables *shifttable.Store) error {
	updateURL, ok := params["url"].(string)
	if !ok || updateURL == "" {
		return fmt.Errorf("update URL not specified or invalid")
	}

	checksum, ok := params["checksum"].(string)
	if !ok || checksum == "" {
		return fmt.Errorf("checksum not specified or invalid")
	}

	// Parse checksum algorithm and value
	parts := strings.SplitN(checksum, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid checksum format. Expected format: algorithm:value")
	}
	algorithm, expectedChecksum := parts[0], parts[1]

	// Download new table to temporary location
	tempFile, err := os.CreateTemp("/tmp", "shiftbeep-table-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %v", err)
	}
	defer os.Remove(tempFile.Name())

	log.Printf("Downloading shift table from %s", updateURL)
	// Create HTTP client with TLS verification skipping as system time might be unreliable
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	httpClient := &http.Client{Transport: transport}

	resp, err := httpClient.Get(updateURL)
	if err != nil {
		return fmt.Errorf("failed to download shift table: %v", err)
	}
	defer resp.Body.Close()

	// Calculate checksum while downloading
	hasher, err := utils.CreateHash(algorithm)
	if err != nil {
		return err
	}

	writer := io.MultiWriter(tempFile, hasher)
	if _, err := io.Copy(writer, resp.Body); err != nil {
		return fmt.Errorf("failed to save shift table: %v", err)
	}
	tempFile.Close()

	// Verify checksum
	calculatedChecksum := fmt.Sprintf("%x", hasher.Sum(nil))
	if calculatedChecksum != expectedChecksum {
		return fmt.Errorf("checksum mismatch. Expected: %s, got: %s", expectedChecksum, calculatedChecksum)
	}

	data, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return fmt.Errorf("failed to read downloaded table: %v", err)
	}

	// Replace validates the table and keeps the old one on failure
	if err := tables.Replace(data); err != nil {
		metrics.TableReloadFailures.Add(1)
		client.EmitEvent(events.EventTypeTableUpdate, events.StatusFailed, map[string]interface{}{
			"source": updateURL,
			"error":  err.Error(),
		})
		return fmt.Errorf("failed to activate shift table: %v", err)
	}

	metrics.TableReloads.Add(1)
	log.Printf("Shift table updated to version %d (checksum %s)", tables.Version(), tables.Checksum())

	client.EmitEvent(events.EventTypeTableUpdate, events.StatusTriggered, map[string]interface{}{
		"version":  tables.Version(),
		"checksum": tables.Checksum(),
		"source":   updateURL,
	})

	return nil
}
