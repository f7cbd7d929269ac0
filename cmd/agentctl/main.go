// agentctl is a small field-diagnostics CLI: it inspects a running
// agent over its diagnostics HTTP API and the persisted blobs on disk,
// without needing broker or cloud access.
//
// Usage:
//
//	agentctl [flags] status      — health summary from the running agent
//	agentctl [flags] campaigns   — current inspection matrix
//	agentctl [flags] pipeline    — pipeline/upload/raw-buffer counters
//	agentctl [flags] blobs       — persisted control documents on disk
//	agentctl [flags] payloads    — persisted triggered-data payloads
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/snarg/fleet-agent/internal/persistence"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "Agent diagnostics API base URL")
	token := flag.String("token", os.Getenv("AUTH_TOKEN"), "Bearer token for the diagnostics API")
	persistDir := flag.String("persist-dir", "./persist", "Agent persistence directory (for blobs/payloads)")
	flag.Parse()

	cmd := "status"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	var err error
	switch cmd {
	case "status":
		err = fetchJSON(*addr+"/healthz", "")
	case "campaigns":
		err = fetchJSON(*addr+"/api/v1/campaigns", *token)
	case "pipeline":
		err = fetchJSON(*addr+"/api/v1/pipeline", *token)
	case "blobs":
		err = listBlobs(*persistDir)
	case "payloads":
		err = listPayloads(*persistDir)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (valid: status, campaigns, pipeline, blobs, payloads)\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// fetchJSON GETs one diagnostics endpoint and pretty-prints the body.
func fetchJSON(url, token string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		// Not JSON? Print as-is.
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func listBlobs(dir string) error {
	store, err := persistence.NewStore(dir, 0)
	if err != nil {
		return err
	}

	fmt.Println("Kind                 Bytes")
	fmt.Println("──────────────────────────────")
	for _, kind := range []persistence.Kind{
		persistence.KindDecoderManifest,
		persistence.KindCampaignList,
		persistence.KindStateTemplates,
	} {
		blob, err := store.Read(kind)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			fmt.Printf("%-20s (none)\n", kind.String())
		case err != nil:
			fmt.Printf("%-20s unreadable: %v\n", kind.String(), err)
		default:
			fmt.Printf("%-20s %d\n", kind.String(), len(blob))
		}
	}
	fmt.Printf("\nTotal used: %d bytes\n", store.UsedBytes())
	return nil
}

func listPayloads(dir string) error {
	store, err := persistence.NewStore(dir, 0)
	if err != nil {
		return err
	}
	ids, err := store.ListPayloads()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no persisted payloads")
		return nil
	}
	fmt.Println("Payload                          Bytes")
	fmt.Println("────────────────────────────────────────")
	for _, id := range ids {
		blob, err := store.ReadPayload(id)
		if err != nil {
			fmt.Printf("%-32s unreadable: %v\n", id, err)
			continue
		}
		fmt.Printf("%-32s %d\n", id, len(blob))
	}
	return nil
}
