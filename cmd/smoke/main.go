// Command smoke drives one claim through a running deployment: health over
// gRPC, login, multipart submission, verification and document download.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type client struct {
	base string
	http *http.Client
}

type claim struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	Total     float64 `json:"total"`
	Documents []struct {
		ID string `json:"id"`
	} `json:"documents"`
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	base := env("CLAIMDESK_SMOKE_URL", "http://localhost:8080")
	grpcAddr := env("CLAIMDESK_SMOKE_GRPC", "localhost:9090")
	lecturer := env("CLAIMDESK_SMOKE_LECTURER", "lecturer@claimdesk.local")
	coordinator := env("CLAIMDESK_SMOKE_COORDINATOR", "coordinator@claimdesk.local")
	password := os.Getenv("CLAIMDESK_SMOKE_PASSWORD")
	if password == "" {
		log.Fatal("CLAIMDESK_SMOKE_PASSWORD is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := checkHealth(ctx, grpcAddr); err != nil {
		log.Fatalf("grpc health at %s: %v", grpcAddr, err)
	}

	c := &client{base: base, http: &http.Client{Timeout: 10 * time.Second}}
	lecTok, err := c.login(ctx, lecturer, password)
	if err != nil {
		log.Fatalf("login %s: %v", lecturer, err)
	}
	pcTok, err := c.login(ctx, coordinator, password)
	if err != nil {
		log.Fatalf("login %s: %v", coordinator, err)
	}

	doc := []byte("%PDF-1.4 smoke " + time.Now().UTC().Format(time.RFC3339Nano))
	submitted, err := c.submit(ctx, lecTok, doc)
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	if submitted.Status != "pending" || len(submitted.Documents) != 1 {
		log.Fatalf("unexpected submission: %+v", submitted)
	}

	var verified claim
	if err := c.call(ctx, http.MethodPost, "/v1/claims/"+submitted.ID+"/transitions", pcTok,
		map[string]string{"status": "verified"}, http.StatusOK, &verified); err != nil {
		log.Fatalf("verify: %v", err)
	}
	if verified.Status != "verified" || verified.Total != submitted.Total {
		log.Fatalf("unexpected verified claim: %+v", verified)
	}

	got, err := c.download(ctx, pcTok, submitted.Documents[0].ID)
	if err != nil {
		log.Fatalf("download: %v", err)
	}
	if !bytes.Equal(got, doc) {
		log.Fatalf("document round trip mismatch: %d bytes back, %d sent", len(got), len(doc))
	}

	fmt.Printf("claimdesk smoke test passed: claim=%s total=%.2f\n", submitted.ID, submitted.Total)
}

func checkHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("status %s", resp.GetStatus())
	}
	return nil
}

func (c *client) login(ctx context.Context, email, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/auth/token", "",
		map[string]string{"email": email, "password": password}, http.StatusOK, &out)
	return out.Token, err
}

func (c *client) submit(ctx context.Context, token string, doc []byte) (claim, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("subject", "Smoke test")
	_ = mw.WriteField("hours_worked", "1.5")
	_ = mw.WriteField("claim_date", time.Now().UTC().Format(time.DateOnly))
	part, err := mw.CreateFormFile("documents", "smoke.pdf")
	if err != nil {
		return claim{}, err
	}
	_, _ = part.Write(doc)
	if err := mw.Close(); err != nil {
		return claim{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/claims", &body)
	if err != nil {
		return claim{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	var out claim
	return out, c.do(req, http.StatusCreated, &out)
}

func (c *client) download(ctx context.Context, token, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/documents/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *client) call(ctx context.Context, method, path, token string, in any, want int, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, want, out)
}

func (c *client) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
