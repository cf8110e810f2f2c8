// Command sensorlink provisions an HVASEE sensor over BLE: scan, pair,
// push Wi-Fi credentials, and record the device for the signed-in user.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hvasee/sensorlink/internal/ble"
	"github.com/hvasee/sensorlink/internal/config"
	"github.com/hvasee/sensorlink/internal/logging"
	"github.com/hvasee/sensorlink/internal/provision"
	"github.com/hvasee/sensorlink/internal/registry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/sensorlink/config.yaml)")
	userID := flag.String("user", "", "user id (overrides account.user_id from config)")
	email := flag.String("email", "", "user email (overrides account.email from config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel), version, "sensorlink")

	user := provision.User{ID: cfg.Account.UserID, Email: cfg.Account.Email}
	if *userID != "" {
		user.ID = *userID
	}
	if *email != "" {
		user.Email = *email
	}
	if user.ID == "" {
		log.Fatal("no user: set account.user_id in the config or pass -user")
	}
	fmt.Print("Account password (sent to the sensor, never stored): ")
	pw := bufio.NewScanner(os.Stdin)
	if pw.Scan() {
		user.Password = strings.TrimSpace(pw.Text())
	}

	db, err := registry.Open(cfg.DB.Path)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	defer db.Close()
	reg := registry.New(db, logger)

	session := provision.NewSession(ble.NewTinygoAdapter(), reg, user, provision.Options{
		ScanTimeout:    cfg.BLE.ScanTimeout.Std(),
		ConnectTimeout: cfg.BLE.ConnectTimeout.Std(),
		AutoConnect:    cfg.BLE.AutoConnect,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("Scanning for sensors...")
	if err := session.Start(ctx); err != nil {
		fmt.Printf("Bluetooth unavailable: %v\n", err)
		fmt.Println("Fix Bluetooth permissions and type 'rescan' to retry.")
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	lastStage := provision.Stage(-1)
	for {
		select {
		case <-sigCh:
			fmt.Println("\nInterrupted.")
			closeAndReport(session)
			return

		case <-session.Updates():
			stage := session.Stage()
			if stage != lastStage {
				lastStage = stage
				printStage(session)
			}
			switch stage {
			case provision.StageCompleted:
				fmt.Println("Device provisioned. Done.")
				closeAndReport(session)
				return
			case provision.StageWifiSetup:
				printWifiState(session)
			}

		case line, ok := <-lines:
			if !ok {
				closeAndReport(session)
				return
			}
			if line == "quit" || line == "exit" {
				closeAndReport(session)
				return
			}
			if err := dispatch(session, line); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// dispatch interprets one line of input against the current stage.
func dispatch(s *provision.Session, line string) error {
	if line == "" {
		return nil
	}
	if line == "rescan" {
		if s.Stage() == provision.StageWifiSetup {
			return s.ScanNetworks()
		}
		return s.Rescan()
	}

	switch s.Stage() {
	case provision.StageDeviceSelection:
		n, err := strconv.Atoi(line)
		if err != nil {
			return fmt.Errorf("enter a device number or 'rescan'")
		}
		devices := s.Devices()
		if n < 1 || n > len(devices) {
			return fmt.Errorf("device %d out of range", n)
		}
		return s.SelectDevice(devices[n-1].ID)

	case provision.StageDeviceInfo:
		name, brand, ok := strings.Cut(line, "|")
		if !ok {
			return fmt.Errorf("enter: <device name>|<brand>  (e.g. Furnace|Carrier)")
		}
		return s.SubmitDeviceInfo(name, brand)

	case provision.StageWifiSetup:
		if s.SelectedNetwork() != nil {
			return s.SubmitWifiPassword(line)
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			return fmt.Errorf("enter a network number, or 'rescan' to refresh")
		}
		networks := s.Networks()
		if n < 1 || n > len(networks) {
			return fmt.Errorf("network %d out of range", n)
		}
		if err := s.SelectNetwork(networks[n-1].SSID); err != nil {
			return err
		}
		fmt.Printf("Password for %s: ", networks[n-1].SSID)
		return nil

	default:
		return fmt.Errorf("please wait (%s)", s.Stage())
	}
}

func printStage(s *provision.Session) {
	switch s.Stage() {
	case provision.StageScanning:
		fmt.Println("Scanning for sensors...")
	case provision.StageDeviceSelection:
		devices := s.Devices()
		if len(devices) == 0 {
			fmt.Println("No sensors found. Type 'rescan' to try again.")
			return
		}
		fmt.Println("Sensors found:")
		for i, d := range devices {
			fmt.Printf("  %d) %s  (%s, %d dBm)\n", i+1, d.Name, d.ID, d.RSSI)
		}
		fmt.Print("Select a device number: ")
	case provision.StageConnecting:
		fmt.Println("Connecting...")
	case provision.StageDeviceInfo:
		fmt.Print("Connected. Enter device name and brand as: <name>|<brand>  (e.g. Furnace|Carrier): ")
	case provision.StageWifiSetup:
		fmt.Println("Asking the sensor for visible Wi-Fi networks...")
		if err := s.ScanNetworks(); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case provision.StageAbandoned:
		fmt.Println("Session abandoned.")
	}
}

func printWifiState(s *provision.Session) {
	switch s.Outcome() {
	case provision.OutcomeWrongPassword:
		fmt.Printf("Sensor says: %s\n", s.StatusText())
		fmt.Print("Wrong password. Try again: ")
		return
	case provision.OutcomeError:
		fmt.Printf("Registration failed: %v\n", s.Err())
		fmt.Println("The sensor is online but was not saved to your account. Retry the password to try again.")
		return
	}

	if s.SelectedNetwork() != nil {
		return
	}
	networks := s.Networks()
	if len(networks) == 0 {
		return
	}
	fmt.Println("Wi-Fi networks:")
	for i, n := range networks {
		rssi := ""
		if n.RSSI != nil {
			rssi = fmt.Sprintf(", %d dBm", *n.RSSI)
		}
		fmt.Printf("  %d) %s  (%s%s)\n", i+1, n.SSID, n.Encryption, rssi)
	}
	fmt.Print("Select a network number: ")
}

func closeAndReport(s *provision.Session) {
	if err := s.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	// Give async teardown log lines a moment to flush.
	time.Sleep(50 * time.Millisecond)
}
