package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/matheus3301/wpphub/internal/config"
	"github.com/matheus3301/wpphub/internal/daemon"
	"github.com/matheus3301/wpphub/internal/instance"
	"github.com/matheus3301/wpphub/internal/lock"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/skip2/go-qrcode"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

func main() {
	configFlag := flag.String("config", "", "config file (default ~/.wpphub/config.toml)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	cfg, paths, err := session.Resolve(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(paths, *jsonFlag)
	case "health":
		service := ""
		if len(args) >= 2 {
			service = daemon.InstanceService(args[1])
		}
		cmdHealth(ctx, paths, service, *jsonFlag)
	case "instances":
		cmdInstances(ctx, cfg, *jsonFlag)
	case "connect", "qr":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: wpphubctl %s <instance>\n", args[0])
			os.Exit(1)
		}
		if err := session.ValidateName(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if args[0] == "connect" {
			cmdConnect(ctx, cfg, args[1], *jsonFlag)
		} else {
			cmdQR(ctx, cfg, args[1])
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wpphubctl [--config <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status             Show whether the daemon is running")
	fmt.Fprintln(os.Stderr, "  health [instance]  Check daemon or instance health")
	fmt.Fprintln(os.Stderr, "  instances          List instances")
	fmt.Fprintln(os.Stderr, "  connect <instance> Start or reuse an instance")
	fmt.Fprintln(os.Stderr, "  qr <instance>      Print the pending pairing code")
}

func cmdStatus(paths session.Paths, jsonOut bool) {
	pid, err := lock.Holder(paths.Root)
	running := err == nil && pid > 0
	if jsonOut {
		outputJSON(map[string]any{"dataDir": paths.Root, "running": running, "pid": pid})
		return
	}
	if !running {
		fmt.Printf("Daemon not running (data dir %s)\n", paths.Root)
		return
	}
	fmt.Printf("Daemon running, pid %d (data dir %s)\n", pid, paths.Root)
}

func cmdHealth(ctx context.Context, paths session.Paths, service string, jsonOut bool) {
	conn, err := grpc.NewClient("unix://"+paths.SocketPath(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		b, err := protojson.Marshal(resp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(b))
		return
	}
	fmt.Println(resp.Status)
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		os.Exit(2)
	}
}

func cmdInstances(ctx context.Context, cfg *config.Config, jsonOut bool) {
	var infos []instance.Info
	if err := call(ctx, cfg, http.MethodGet, "/api/instances", &infos); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(infos)
		return
	}
	if len(infos) == 0 {
		fmt.Println("No instances.")
		return
	}
	for _, info := range infos {
		ready := "-"
		if !info.ReadyAt.IsZero() {
			ready = info.ReadyAt.Local().Format(time.DateTime)
		}
		fmt.Printf("%-20s %-14s %s\n", info.ID, info.Status, ready)
	}
}

func cmdConnect(ctx context.Context, cfg *config.Config, id string, jsonOut bool) {
	var info instance.Info
	if err := call(ctx, cfg, http.MethodPost, "/api/instances/"+url.PathEscape(id)+"/connect", &info); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(info)
		return
	}
	fmt.Printf("%s: %s\n", info.ID, info.Status)
}

func cmdQR(ctx context.Context, cfg *config.Config, id string) {
	var info instance.Info
	if err := call(ctx, cfg, http.MethodGet, "/api/instances/"+url.PathEscape(id), &info); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if info.QR == "" {
		fmt.Printf("%s: no pairing code pending (status %s)\n", info.ID, info.Status)
		return
	}
	q, err := qrcode.New(info.QR, qrcode.Low)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(q.ToSmallString(false))
}

// call performs one API request against the daemon's HTTP listener.
func call(ctx context.Context, cfg *config.Config, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://"+cfg.HTTP.Addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", cfg.HTTP.Addr, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
