// Package proxy is the request handler: it resolves inbound targets, fetches
// them through the transport layer, applies middleware hooks and manifest
// rewriting, and answers the player. Every request runs the same state
// machine: resolve, fetch, redirect or classify, rewrite, respond.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"manifest-proxy-go/pkg/config"
	"manifest-proxy-go/pkg/hooks"
	"manifest-proxy-go/pkg/interfaces"
	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/quality"
	"manifest-proxy-go/pkg/rewrite/dash"
	"manifest-proxy-go/pkg/rewrite/hls"
	"manifest-proxy-go/pkg/session"
	"manifest-proxy-go/pkg/transport"
	"manifest-proxy-go/pkg/types"
	"manifest-proxy-go/pkg/urlutil"
)

// Inbound headers never forwarded upstream.
var removeInHeaders = map[string]bool{
	"upgrade":         true,
	"host":            true,
	"accept-encoding": true,
}

// Upstream headers never returned to the player. Set-cookie stays internal
// to the transport layer's cookie handling and is stripped unconditionally.
var removeOutHeaders = map[string]bool{
	"date":              true,
	"server":            true,
	"transfer-encoding": true,
	"keep-alive":        true,
	"connection":        true,
	"set-cookie":        true,
}

// Handler serves the proxy's HTTP surface.
type Handler struct {
	cfg      *config.Config
	log      *logging.Logger
	store    *session.Store
	client   *transport.Client
	hls      *hls.Rewriter
	dash     *dash.Rewriter
	hooks    *hooks.Runner
	resolver interfaces.OpaqueResolver
	notifier interfaces.Notifier
	drm      interfaces.DRMInstaller

	rules   []*transport.Rule // global rewrite rules from config
	baseURL string            // set once the listener port is known

	mu sync.Mutex
	// drm reinstall runs at most once per playback session
	drmAskedFor string
	// session-descriptor rules are parsed once per session
	ruleCacheID string
	ruleCache   []*transport.Rule
}

// Deps bundles the handler's collaborators.
type Deps struct {
	Store    *session.Store
	Client   *transport.Client
	HLS      *hls.Rewriter
	DASH     *dash.Rewriter
	Hooks    *hooks.Runner
	Resolver interfaces.OpaqueResolver
	Notifier interfaces.Notifier
	DRM      interfaces.DRMInstaller
	Rules    []*transport.Rule
}

// NewHandler creates the request handler.
func NewHandler(cfg *config.Config, log *logging.Logger, deps Deps) *Handler {
	return &Handler{
		cfg:      cfg,
		log:      log.WithComponent("proxy"),
		store:    deps.Store,
		client:   deps.Client,
		hls:      deps.HLS,
		dash:     deps.DASH,
		hooks:    deps.Hooks,
		resolver: deps.Resolver,
		notifier: deps.Notifier,
		drm:      deps.DRM,
		rules:    deps.Rules,
	}
}

// SetBaseURL records the proxy's own base URL once the listener is bound.
// Must be called before the handler serves traffic.
func (h *Handler) SetBaseURL(base string) {
	h.baseURL = base
}

// Register wires the handler's routes. The catch-all must be last.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/session", h.handleSession).Methods(http.MethodPost)
	r.HandleFunc(EmptyTSPath, h.handleEmptyTS).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(StopPath, h.handleStop).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(FailedPath, h.handleFailed).Methods(http.MethodGet, http.MethodHead)
	r.PathPrefix("/").HandlerFunc(h.handleProxy).Methods(http.MethodGet, http.MethodHead, http.MethodPost)
}

// handleSession installs a new playback session from a descriptor.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	var d session.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, fmt.Sprintf("bad descriptor: %v", err), http.StatusBadRequest)
		return
	}
	if d.ManifestURL == "" {
		http.Error(w, "manifest_url required", http.StatusBadRequest)
		return
	}

	s := session.New(&d, h.cfg)
	h.store.Replace(s)
	h.log.WithSession(s.ID).Info("session started", "manifest", d.ManifestURL)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"session_id": s.ID})
}

// handleProxy runs the per-request state machine.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := strings.Trim(strings.TrimPrefix(r.RequestURI, "/"), "\\")
	if decoded, err := url.PathUnescape(target); err == nil && strings.Contains(target, "%3A%2F%2F") {
		target = decoded
	}

	sess := h.store.Current()
	log := h.log.With("method", r.Method)

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}

	// Headers are collected before the redirect flag resets, so a referer is
	// dropped exactly when the previous response cycle was a redirect.
	headers := h.inboundHeaders(r, sess)
	if sess != nil {
		sess.SetRedirecting(false)
		log = log.WithSession(sess.ID)
	}

	if sess != nil {
		if sub, ok := sess.PathSub(target); ok {
			target = sub
		}
	}

	if !isHTTP(target) {
		resolved, ok := h.resolveOpaque(w, r, sess, target, headers, body, log)
		if !ok {
			return
		}
		target = resolved
	}

	target = urlutil.FixDoubleSlash(target)
	log = log.WithURL(target)

	resp, err := h.client.Request(r.Context(), r.Method, target, headers, bytes.NewReader(body), h.optionsFor(sess))
	if err != nil {
		log.WithError(err).Error("upstream fetch failed")
		if h.isManifest(sess, target) {
			h.manifestFallback(w, sess, false)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if loc := resp.Header.Get("Location"); loc != "" && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		h.respondRedirect(w, resp, sess, target, loc, log)
		return
	}

	if r.Method == http.MethodPost && resp.StatusCode == http.StatusNotAcceptable {
		h.maybeReinstallDRM(r.Context(), sess, target, log)
	}

	h.respond(w, r, resp, sess, target, log)
}

// resolveOpaque delegates a non-HTTP target to the external resolver and
// rekeys session state that referenced the opaque form.
func (h *Handler) resolveOpaque(w http.ResponseWriter, r *http.Request, sess *session.Session, target string, headers map[string]string, body []byte, log *logging.Logger) (string, bool) {
	if h.resolver == nil {
		http.Error(w, "unresolvable target", http.StatusBadGateway)
		return "", false
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ResolveTimeout)
	defer cancel()

	resolved, extra, err := h.resolver.Resolve(ctx, target, headers, body)
	if err != nil {
		log.WithError(err).Error("opaque resolve failed")
		if h.isManifest(sess, target) {
			h.manifestFallback(w, sess, false)
			return "", false
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return "", false
	}

	if sess != nil {
		sess.OnRedirect(target, resolved)
	}
	for k, v := range extra {
		headers[k] = v
	}
	log.Debug("opaque target resolved", "resolved", resolved)
	return resolved, true
}

// respondRedirect answers a redirect without following it: the location is
// made absolute, session state rekeyed, and the player steered back through
// the proxy.
func (h *Handler) respondRedirect(w http.ResponseWriter, resp *http.Response, sess *session.Session, target, location string, log *logging.Logger) {
	absolute := urlutil.ResolveURL(location, target)
	if sess != nil {
		sess.SetRedirecting(true)
		sess.OnRedirect(target, absolute)
	}

	h.copyHeaders(w, resp.Header)
	w.Header().Set("Location", h.baseURL+absolute)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(resp.StatusCode)
	log.Debug("redirect proxied", "location", absolute)
}

// maybeReinstallDRM triggers the DRM component reinstall collaborator once
// per session when the license server rejects the client (406), on non-
// Android platforms only.
func (h *Handler) maybeReinstallDRM(ctx context.Context, sess *session.Session, target string, log *logging.Logger) {
	if sess == nil || h.drm == nil || h.cfg.Android {
		return
	}
	if target != sess.LicenseURL() {
		return
	}

	h.mu.Lock()
	if h.drmAskedFor == sess.ID {
		h.mu.Unlock()
		return
	}
	h.drmAskedFor = sess.ID
	h.mu.Unlock()

	if err := h.drm.Reinstall(ctx); err != nil {
		log.WithError(err).Warn("drm reinstall failed")
	}
}

// respond classifies the response, applies hooks and rewriting when eligible,
// and streams the result to the player.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, resp *http.Response, sess *session.Session, target string, log *logging.Logger) {
	if !h.rewriteEligible(r, resp, sess, target) {
		h.passthrough(w, resp)
		return
	}

	h.classify(sess, target, resp.Header.Get("Content-Type"))

	hook, hasHook := types.HookDescriptor{}, false
	if sess != nil {
		hook, hasHook = sess.Hook(target)
	}
	doRewrite := h.shouldRewrite(sess, target)

	if !hasHook && !doRewrite {
		h.passthrough(w, resp)
		return
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.WithError(err).Error("read upstream body failed")
		if h.isManifest(sess, target) {
			h.manifestFallback(w, sess, false)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	contentType := ""
	var extraHeaders map[string]string
	if hasHook {
		result, err := h.applyHook(r.Context(), hook, raw)
		if err != nil {
			log.WithError(err).Error("hook failed")
			if h.isManifest(sess, target) {
				h.manifestFallback(w, sess, false)
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		raw = result.Body
		contentType = result.ContentType
		extraHeaders = result.ExtraHeaders
	}

	if doRewrite {
		h.dumpManifest("in", sess.Kind(), raw)
		out, err := h.rewriteManifest(r.Context(), sess, string(raw), target)
		if err != nil {
			cancelled := errors.Is(err, quality.ErrCancelled)
			if !cancelled {
				log.WithError(err).Error("manifest rewrite failed")
			}
			// Synthetic manifests only substitute for the manifest URL itself.
			// A broken media playlist must surface as an error, not as a
			// master playlist where the player expects a media one.
			if h.isManifest(sess, target) {
				h.manifestFallback(w, sess, cancelled)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		raw = []byte(out)
		h.dumpManifest("out", sess.Kind(), raw)
		if target == sess.ManifestURL() {
			h.store.ResetFailures()
		}
	}

	h.copyHeaders(w, resp.Header)
	for k, v := range extraHeaders {
		w.Header().Set(k, v)
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(raw)))
	w.Header().Del("Content-Range")
	w.Header().Del("Content-Encoding")
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		w.Write(raw)
	}
}

// applyHook runs one middleware hook with the configured timeout bound.
func (h *Handler) applyHook(ctx context.Context, hook types.HookDescriptor, body []byte) (*hooks.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ResolveTimeout)
	defer cancel()
	return h.hooks.Apply(ctx, hook, body)
}

// rewriteManifest dispatches to the rewriter for the session's decided kind.
func (h *Handler) rewriteManifest(ctx context.Context, sess *session.Session, body, target string) (string, error) {
	switch sess.Kind() {
	case types.KindHLS:
		return h.hls.Rewrite(ctx, body, target, h.baseURL, sess)
	case types.KindDASH:
		return h.dash.Rewrite(ctx, body, target, h.baseURL, sess)
	default:
		return body, nil
	}
}

// rewriteEligible applies the hard bypasses: only GET responses from a live
// session, never during a redirect cycle, and never bodies at or over the
// size threshold.
func (h *Handler) rewriteEligible(r *http.Request, resp *http.Response, sess *session.Session, target string) bool {
	if sess == nil || r.Method != http.MethodGet {
		return false
	}
	if sess.Redirecting() {
		return false
	}
	if resp.ContentLength >= 0 && resp.ContentLength >= h.cfg.RewriteMaxBytes {
		return false
	}
	return true
}

// classify decides the session's manifest kind, once, when the manifest URL
// itself comes back.
func (h *Handler) classify(sess *session.Session, target, contentType string) {
	if sess == nil || sess.Kind() != types.KindNone {
		return
	}
	if target != sess.ManifestURL() {
		return
	}
	sess.SetKind(kindOf(contentType, target))
}

// kindOf maps a content type or URL extension to a manifest kind.
func kindOf(contentType, rawURL string) types.ManifestKind {
	ct := strings.ToLower(contentType)
	path := strings.ToLower(rawURL)
	if u, err := url.Parse(rawURL); err == nil {
		path = strings.ToLower(u.Path)
	}

	switch {
	case strings.Contains(ct, "mpegurl") || strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".m3u"):
		return types.KindHLS
	case strings.Contains(ct, "dash+xml") || strings.HasSuffix(path, ".mpd"):
		return types.KindDASH
	default:
		return types.KindNone
	}
}

// shouldRewrite routes manifests to the rewriters: for HLS both the manifest
// and every media playlist carry URIs and need rewriting; for DASH only the
// manifest itself does.
func (h *Handler) shouldRewrite(sess *session.Session, target string) bool {
	if sess == nil {
		return false
	}
	switch sess.Kind() {
	case types.KindHLS:
		if target == sess.ManifestURL() {
			return true
		}
		path := target
		if u, err := url.Parse(target); err == nil {
			path = u.Path
		}
		path = strings.ToLower(path)
		return strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".m3u")
	case types.KindDASH:
		return target == sess.ManifestURL()
	default:
		return false
	}
}

func (h *Handler) isManifest(sess *session.Session, target string) bool {
	return sess != nil && target == sess.ManifestURL()
}

// manifestFallback answers a failed manifest cycle with HTTP 200 and a
// synthetic minimal manifest so the player does not hard-fail the session.
// Cancellation routes to the stop sentinel; hard errors route to the failed
// sentinel until the consecutive-failure threshold forces a stop.
func (h *Handler) manifestFallback(w http.ResponseWriter, sess *session.Session, cancelled bool) {
	stop := cancelled
	if !cancelled && h.store.FailureCount() >= h.cfg.ErrorThreshold {
		h.log.Warn("failure threshold reached, forcing stop", "failures", h.store.Failures())
		stop = true
	}

	kind := types.KindHLS
	if sess != nil {
		if k := sess.Kind(); k != types.KindNone {
			kind = k
		}
	}

	switch kind {
	case types.KindDASH:
		// No sentinel fetch follows an MPD fallback, so notify directly.
		if stop {
			h.notifier.PlaybackStopped()
		} else {
			h.notifier.PlaybackFailed()
		}
		body := fallbackMPD(h.baseURL)
		w.Header().Set("Content-Type", "application/dash+xml")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	default:
		sentinel := FailedPath
		if stop {
			sentinel = StopPath
		}
		writePlaylist(w, fallbackHLS(h.baseURL, sentinel))
	}
}

// passthrough streams the upstream response unchanged.
func (h *Handler) passthrough(w http.ResponseWriter, resp *http.Response) {
	h.copyHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (h *Handler) copyHeaders(w http.ResponseWriter, src http.Header) {
	for k, values := range src {
		if removeOutHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
}

// inboundHeaders collects the player's headers minus hop-by-hop ones, and
// minus the referer when the previous cycle was a redirect.
func (h *Handler) inboundHeaders(r *http.Request, sess *session.Session) map[string]string {
	headers := make(map[string]string, len(r.Header))
	redirecting := sess != nil && sess.Redirecting()

	for k, values := range r.Header {
		lower := strings.ToLower(k)
		if removeInHeaders[lower] {
			continue
		}
		if redirecting && lower == "referer" {
			continue
		}
		headers[lower] = strings.Join(values, ", ")
	}
	return headers
}

// optionsFor merges the session's transport overrides over the config
// baseline.
func (h *Handler) optionsFor(sess *session.Session) transport.Options {
	opts := transport.OptionsFromConfig(h.cfg, h.rules)
	if sess == nil {
		return opts
	}

	if len(sess.DNSRewrites) > 0 {
		opts.Rules = h.sessionRules(sess)
	}
	opts.Proxy = sess.ProxyServer
	opts.VerifySSL = sess.VerifySSL
	opts.Timeout = sess.Timeout
	opts.IPMode = sess.IPMode
	opts.Interface = sess.Interface
	opts.TLSProfile = sess.TLSProfile
	opts.ClientCert = sess.ClientCert
	return opts
}

// sessionRules parses the session descriptor's rewrite rules, cached per
// session since rule lists may pull remote includes.
func (h *Handler) sessionRules(sess *session.Session) []*transport.Rule {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ruleCacheID == sess.ID {
		return h.ruleCache
	}
	h.ruleCache = transport.ParseRules(sess.DNSRewrites, h.log)
	h.ruleCacheID = sess.ID
	return h.ruleCache
}

func isHTTP(target string) bool {
	lower := strings.ToLower(target)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// dumpManifest writes debug copies of manifests to the temp dir when enabled.
func (h *Handler) dumpManifest(direction string, kind types.ManifestKind, data []byte) {
	if !h.cfg.DebugManifests {
		return
	}
	name := filepath.Join(os.TempDir(), fmt.Sprintf("proxy-%s-%s.txt", kind, direction))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		h.log.WithError(err).Debug("manifest dump failed")
	}
}
