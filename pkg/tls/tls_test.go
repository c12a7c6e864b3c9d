package tls

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestSelfSignedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "certs", "server.crt")
	keyFile := filepath.Join(dir, "certs", "server.key")

	serverCfg, err := ServerConfig(certFile, keyFile, true, "127.0.0.1")
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := ClientConfig(certFile, false)
	if err != nil {
		t.Fatalf("ClientConfig failed: %v", err)
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request over TLS failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("Expected ok, got %q", body)
	}
}

func TestServerConfigWithoutCertificate(t *testing.T) {
	dir := t.TempDir()
	_, err := ServerConfig(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"), false)
	if err == nil {
		t.Fatal("Expected an error for a missing key pair")
	}
}

func TestClientConfigRejectsBadCA(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "ca.pem")
	if err := writePEM(bad, "GARBAGE", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ClientConfig(bad, false); err == nil {
		t.Fatal("Expected an error for an unparseable CA file")
	}
	cfg, err := ClientConfig("", true)
	if err != nil || !cfg.InsecureSkipVerify || cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("unexpected client config: %+v, %v", cfg, err)
	}
}
