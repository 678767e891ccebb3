// Command bondarbctl is a thin CLI client for bondarbd's control API
// (spec §6): pause/resume arbitration, inspect status, manage temporary
// limits and reservations.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	fs := flag.NewFlagSet("bondarbctl", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8085", "bondarbd control API address")

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("bondarbctl v%s\n", version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "status":
		fs.Parse(args)
		get(*addr, "/api/status")
	case "pause":
		fs.Parse(args)
		post(*addr, "/api/pause", nil)
	case "resume":
		fs.Parse(args)
		post(*addr, "/api/resume", nil)
	case "reservations":
		fs.Parse(args)
		get(*addr, "/api/reservations")
	case "clear-reservation":
		id := fs.String("id", "", "reservation id to clear")
		fs.Parse(args)
		if *id == "" {
			fmt.Fprintln(os.Stderr, "clear-reservation requires --id")
			os.Exit(1)
		}
		post(*addr, "/api/reservations/clear", map[string]string{"id": *id})
	case "set-limits":
		download := fs.Float64("download", 0, "temporary download limit, Mbps")
		upload := fs.Float64("upload", 0, "temporary upload limit, Mbps")
		duration := fs.Duration("duration", 30*time.Minute, "how long the override lasts")
		source := fs.String("source", "bondarbctl", "source tag recorded with the override")
		fs.Parse(args)
		body := map[string]interface{}{
			"duration_s": duration.Seconds(),
			"source":     *source,
		}
		if *download > 0 {
			body["download_mbps"] = *download
		}
		if *upload > 0 {
			body["upload_mbps"] = *upload
		}
		post(*addr, "/api/temporary-limits", body)
	case "clear-limits":
		fs.Parse(args)
		del(*addr, "/api/temporary-limits")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}
}

func get(addr, path string) {
	resp, err := http.Get(addr + path)
	printResponse(resp, err)
}

func post(addr, path string, body interface{}) {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode request:", err)
			os.Exit(1)
		}
		r = bytes.NewReader(buf)
	}
	resp, err := http.Post(addr+path, "application/json", r)
	printResponse(resp, err)
}

func del(addr, path string) {
	req, err := http.NewRequest(http.MethodDelete, addr+path, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build request:", err)
		os.Exit(1)
	}
	resp, err := http.DefaultClient.Do(req)
	printResponse(resp, err)
}

func printResponse(resp *http.Response, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var pretty bytes.Buffer
	raw, _ := io.ReadAll(resp.Body)
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("bondarbctl v%s - control client for bondarbd\n\n", version)
	fmt.Println("Usage:")
	fmt.Println("  bondarbctl <command> [options]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  status                          Show current arbitration status")
	fmt.Println("  pause                           Pause actuation (polling/decisions continue)")
	fmt.Println("  resume                          Resume actuation")
	fmt.Println("  reservations                    List active bandwidth reservations")
	fmt.Println("  clear-reservation --id <id>     Cancel a reservation immediately")
	fmt.Println("  set-limits [--download N] [--upload N] [--duration D] [--source tag]")
	fmt.Println("                                  Install a temporary manual override")
	fmt.Println("  clear-limits                    Remove the active override")
	fmt.Println("")
	fmt.Println("Global options:")
	fmt.Println("  --addr <url>   bondarbd control API address (default: http://localhost:8085)")
	fmt.Println("")
}
