package proxy

import (
	"fmt"
	"net/http"
)

// Sentinel paths the handler recognizes before any network fetch. The player
// is steered here to end playback cleanly: Stop means hard stop, Failed means
// the player may skip to the next item.
const (
	EmptyTSPath = "/empty.ts"
	StopPath    = "/stop.m3u8"
	FailedPath  = "/failed.m3u8"
)

// nullTSPacket builds one 188-byte MPEG-TS null packet (PID 0x1FFF). A single
// valid packet keeps the player's demuxer satisfied while it winds down.
func nullTSPacket() []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47 // sync byte
	pkt[1] = 0x1F
	pkt[2] = 0xFF // PID 0x1FFF
	pkt[3] = 0x10 // payload only, continuity 0
	for i := 4; i < len(pkt); i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// sentinelPlaylist is a one-segment VOD playlist whose single segment is the
// null TS packet. Served for both sentinel playlists; only the notification
// side effect differs.
const sentinelPlaylist = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-MEDIA-SEQUENCE:0\n" +
	"#EXT-X-TARGETDURATION:1\n" +
	"#EXTINF:1.000000,\n" +
	"empty.ts\n" +
	"#EXT-X-ENDLIST\n"

func (h *Handler) handleEmptyTS(w http.ResponseWriter, r *http.Request) {
	pkt := nullTSPacket()
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(pkt)))
	w.WriteHeader(http.StatusOK)
	w.Write(pkt)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.log.Info("stop sentinel served")
	h.notifier.PlaybackStopped()
	writePlaylist(w, sentinelPlaylist)
}

func (h *Handler) handleFailed(w http.ResponseWriter, r *http.Request) {
	h.log.Info("failed sentinel served")
	h.notifier.PlaybackFailed()
	writePlaylist(w, sentinelPlaylist)
}

func writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// fallbackHLS is the synthetic master playlist returned with HTTP 200 when a
// manifest cannot be fetched or rewritten; its single variant is a sentinel
// playlist.
func fallbackHLS(baseURL, sentinelPath string) string {
	return "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1\n" +
		baseURL + sentinelPath[1:] + "\n"
}

// fallbackMPD is the equivalent minimal MPD pointing at the null segment.
func fallbackMPD(baseURL string) string {
	return `<?xml version="1.0" encoding="utf-8"?>` + "\n" +
		`<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT1S" profiles="urn:mpeg:dash:profile:isoff-main:2011">` + "\n" +
		`  <Period>` + "\n" +
		`    <AdaptationSet mimeType="video/mp2t">` + "\n" +
		`      <Representation id="1" bandwidth="1">` + "\n" +
		`        <BaseURL>` + baseURL + `empty.ts</BaseURL>` + "\n" +
		`      </Representation>` + "\n" +
		`    </AdaptationSet>` + "\n" +
		`  </Period>` + "\n" +
		`</MPD>` + "\n"
}
