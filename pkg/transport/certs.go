package transport

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// certStore downloads and caches client certificates. A session may name a
// certificate by URL; it is fetched once, written to a temp path and reused
// for the rest of the process.
type certStore struct {
	mu    sync.Mutex
	paths map[string]string // source -> local path
}

func newCertStore() *certStore {
	return &certStore{paths: make(map[string]string)}
}

// load returns the parsed certificate for a local path or URL source.
// The PEM bundle must contain both the certificate and its key.
func (cs *certStore) load(source string) (tls.Certificate, error) {
	path, err := cs.localPath(source)
	if err != nil {
		return tls.Certificate{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(data, data)
}

func (cs *certStore) localPath(source string) (string, error) {
	if len(source) < 4 || source[:4] != "http" {
		return source, nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if path, ok := cs.paths[source]; ok {
		return path, nil
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(source)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("certificate download failed: status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp("", "proxy-cert-*.pem")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}

	path := filepath.Clean(f.Name())
	cs.paths[source] = path
	return path, nil
}
