package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"manifest-proxy-go/pkg/interfaces"
	"manifest-proxy-go/pkg/logging"
)

// The proxy's collaborators live in an external UI process reachable over
// HTTP callbacks. Each callback URL is optional; without one a safe default
// applies (no-op notification, preselect-confirming chooser, no resolver).

type callbackClient struct {
	client *http.Client
	log    *logging.Logger
}

func newCallbackClient(log *logging.Logger) *callbackClient {
	return &callbackClient{
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log.WithComponent("callbacks"),
	}
}

func (c *callbackClient) post(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback %s: status %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// httpResolver asks the external resolver callback to turn an opaque
// reference into a concrete URL.
type httpResolver struct {
	cb  *callbackClient
	url string
}

func (r *httpResolver) Resolve(ctx context.Context, ref string, headers map[string]string, body []byte) (string, map[string]string, error) {
	req := struct {
		Ref     string            `json:"ref"`
		Headers map[string]string `json:"headers,omitempty"`
		Body    string            `json:"body,omitempty"`
	}{Ref: ref, Headers: headers, Body: base64.StdEncoding.EncodeToString(body)}

	var resp struct {
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers,omitempty"`
	}
	if err := r.cb.post(ctx, r.url, req, &resp); err != nil {
		return "", nil, err
	}
	if resp.URL == "" {
		return "", nil, fmt.Errorf("resolver returned no url for %s", ref)
	}
	return resp.URL, resp.Headers, nil
}

// httpChooser presents the quality dialog through the UI callback.
type httpChooser struct {
	cb  *callbackClient
	url string
}

func (c *httpChooser) Choose(ctx context.Context, title string, options []interfaces.ChooserOption, preselect int) (int, error) {
	labels := make([]string, len(options))
	for i, o := range options {
		labels[i] = o.Label
	}

	req := struct {
		Title     string   `json:"title"`
		Labels    []string `json:"labels"`
		Preselect int      `json:"preselect"`
	}{Title: title, Labels: labels, Preselect: preselect}

	var resp struct {
		Index int `json:"index"`
	}
	if err := c.cb.post(ctx, c.url, req, &resp); err != nil {
		return 0, err
	}
	return resp.Index, nil
}

// autoChooser confirms the preselected option without user interaction; it
// backs sessions with no chooser callback configured.
type autoChooser struct{}

func (autoChooser) Choose(ctx context.Context, title string, options []interfaces.ChooserOption, preselect int) (int, error) {
	if preselect < 0 || preselect >= len(options) {
		return 0, nil
	}
	return preselect, nil
}

// httpNotifier posts terminal playback events to the UI callback.
type httpNotifier struct {
	cb  *callbackClient
	url string
}

func (n *httpNotifier) notify(event string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	payload := struct {
		Event string `json:"event"`
	}{Event: event}
	if err := n.cb.post(ctx, n.url, payload, nil); err != nil {
		n.cb.log.WithError(err).Warn("notify failed", "event", event)
	}
}

func (n *httpNotifier) PlaybackFailed()  { n.notify("failed") }
func (n *httpNotifier) PlaybackStopped() { n.notify("stopped") }

// httpDRMInstaller asks the UI process to reinstall the DRM component.
type httpDRMInstaller struct {
	cb  *callbackClient
	url string
}

func (d *httpDRMInstaller) Reinstall(ctx context.Context) error {
	payload := struct {
		Action string `json:"action"`
	}{Action: "reinstall"}
	return d.cb.post(ctx, d.url, payload, nil)
}

type noopNotifier struct{}

func (noopNotifier) PlaybackFailed()  {}
func (noopNotifier) PlaybackStopped() {}
