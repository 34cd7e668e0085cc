package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harrylevesque/hcsguard/internal/models"
)

// Default server base URL; can override with HCS_SERVER env var or --server flag.
var serverBaseURL = "http://localhost:8080"

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	cmd := flag.String("cmd", "credential", "Command: result|credential|encrypt|qr|consume|scan|wipe|verify")
	file := flag.String("file", "", "JSON input file (result, mission or payload)")
	qr := flag.String("qr", "", "QR data for consume (defaults to the last saved QR)")
	scope := flag.String("scope", "all", "Destruction scope for verify")
	serverFlag := flag.String("server", "", "Override server base URL (e.g. https://hcs.example.com)")
	flag.Parse()
	if env := os.Getenv("HCS_SERVER"); env != "" {
		serverBaseURL = strings.TrimRight(env, "/")
	}
	if *serverFlag != "" {
		serverBaseURL = strings.TrimRight(*serverFlag, "/")
	}

	var err error
	switch *cmd {
	case "result":
		err = recordResult(*file)
	case "credential":
		err = generateCredential()
	case "encrypt":
		err = encryptMission(*file)
	case "qr":
		err = buildQR(*file)
	case "consume":
		err = consume(*qr)
	case "scan":
		err = scan()
	case "wipe":
		err = wipe()
	case "verify":
		err = show(http.MethodGet, "/destruction/"+*scope, nil)
	default:
		err = fmt.Errorf("unknown command %q", *cmd)
	}
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

func recordResult(path string) error {
	var r models.TestResult
	if err := readJSON(path, &r); err != nil {
		return err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return show(http.MethodPost, "/results", r)
}

func generateCredential() error {
	fmt.Println("[1] Requesting credential from", serverBaseURL)
	var out struct {
		Credential string `json:"credential"`
	}
	if err := do(http.MethodPost, "/credential", nil, &out); err != nil {
		return err
	}
	fmt.Println("[2] Credential:", out.Credential)
	return nil
}

func encryptMission(path string) error {
	var m models.Mission
	if err := readJSON(path, &m); err != nil {
		return err
	}
	fmt.Println("[1] Encrypting mission", m.Name)
	var payload json.RawMessage
	if err := do(http.MethodPost, "/missions/encrypt", map[string]any{"mission": m}, &payload); err != nil {
		return err
	}
	out, err := saveLocal("payload.json", payload)
	if err != nil {
		return err
	}
	fmt.Println("[2] Payload stored at", out)
	return nil
}

func buildQR(path string) error {
	if path == "" {
		p, err := localPath("payload.json")
		if err != nil {
			return err
		}
		path = p
	}
	var payload json.RawMessage
	if err := readJSON(path, &payload); err != nil {
		return err
	}
	var out struct {
		QR string `json:"qr"`
	}
	if err := do(http.MethodPost, "/qr", payload, &out); err != nil {
		return err
	}
	if _, err := saveLocal("qr.txt", []byte(out.QR)); err != nil {
		return err
	}
	fmt.Println(out.QR)
	return nil
}

func consume(qr string) error {
	if qr == "" {
		p, err := localPath("qr.txt")
		if err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("no QR given and none saved: %w", err)
		}
		qr = string(b)
	}
	return show(http.MethodPost, "/qr/consume", map[string]string{"qr": qr})
}

func scan() error {
	var out struct {
		Report models.TamperReport `json:"report"`
	}
	if err := do(http.MethodPost, "/integrity/scan", nil, &out); err != nil {
		return err
	}
	for _, c := range out.Report.Checks {
		mark := "ok"
		if c.Detected {
			mark = "DETECTED"
		}
		fmt.Printf("  %-22s %-8s %s\n", c.Name, mark, c.Detail)
	}
	fmt.Println("Risk:", out.Report.OverallRisk, "Action:", out.Report.RecommendedAction)
	return nil
}

func wipe() error {
	fmt.Println("[!] Panic wipe on", serverBaseURL)
	return show(http.MethodPost, "/panic-wipe", nil)
}

// ===== Helpers =====

func do(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, serverBaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

func show(method, path string, payload any) error {
	var out json.RawMessage
	if err := do(method, path, payload, &out); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, out, "", "  "); err != nil {
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func readJSON(path string, v any) error {
	if path == "" {
		return fmt.Errorf("--file required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func localPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".hcs", name), nil
}

func saveLocal(name string, data []byte) (string, error) {
	path, err := localPath(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, data, 0600)
}
