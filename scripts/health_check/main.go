package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Theogama/signalist-sub003/pkg/config"
	"github.com/Theogama/signalist-sub003/pkg/db"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

var requiredTables = []string{"signals", "bot_sessions", "bot_trades", "bot_daily_state"}

func main() {
	fmt.Println("🏥 Signalist Health Check")
	fmt.Println("=========================")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{
		Overall:  "HEALTHY",
		Services: make([]HealthStatus, 0),
	}

	// 1. Profiles
	profiles, profileStatus := checkProfiles(cfg)
	report.Services = append(report.Services, profileStatus)

	// 2. Database and schema
	report.Services = append(report.Services, checkDatabase(ctx, cfg))

	// 3. Live broker endpoints
	for _, id := range profiles.Users() {
		p := profiles[id]
		if p.Broker == "live" {
			report.Services = append(report.Services, checkBroker(ctx, p))
		}
	}

	// 4. API server
	report.Services = append(report.Services, checkAPIServer(ctx, cfg))

	// Determine overall status
	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" && report.Overall != "UNHEALTHY" {
			report.Overall = "DEGRADED"
		}
	}

	// Print results
	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
		}
		fmt.Printf("%s %-24s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}

	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	// Output JSON if requested
	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: "HEALTHY", Timestamp: time.Now()}
}

func checkProfiles(cfg *config.Config) (config.Profiles, HealthStatus) {
	status := newStatus("Bot profiles")
	profiles, err := config.LoadProfiles(cfg.ProfilesPath, cfg.PaperBalance)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return config.Profiles{}, status
	}
	if len(profiles) == 0 {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("no profiles in %s", cfg.ProfilesPath)
		return profiles, status
	}
	for _, id := range profiles.Users() {
		spec, err := profiles[id].Spec()
		if err == nil {
			err = spec.Validate()
		}
		if err != nil {
			status.Status = "UNHEALTHY"
			status.Message = fmt.Sprintf("%s: %v", id, err)
			return profiles, status
		}
	}
	status.Message = fmt.Sprintf("%d profiles", len(profiles))
	return profiles, status
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Database")

	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.DB.PingContext(ctx); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Ping failed: %v", err)
		return status
	}

	var missing []string
	for _, table := range requiredTables {
		var name string
		err := database.DB.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("missing tables %v (start the engine once to migrate)", missing)
		return status
	}

	var mode string
	if err := database.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		mode = "unknown"
	}
	status.Message = fmt.Sprintf("Connected to %s (journal %s), schema present", database.Path, mode)
	return status
}

func checkBroker(ctx context.Context, p config.Profile) HealthStatus {
	status := newStatus("Broker " + p.UserID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, p.Live.Endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("%s not reachable: %v", p.Live.Endpoint, err)
		return status
	}
	conn.Close()

	status.Message = "Reachable " + p.Live.Endpoint
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("API Server")
	url := fmt.Sprintf("http://localhost:%s/health", cfg.Port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	status.Message = "Running"
	return status
}
