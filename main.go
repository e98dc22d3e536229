package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/niamu-go/nightfall/transcoder"
)

const VERSION = "0.1.0"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	c := transcoder.DefaultConfig()

	for _, arg := range os.Args[1:] {
		if arg == "-version" {
			fmt.Print("nightfall " + VERSION)
			return
		}
		if err := c.FromFile(arg); err != nil {
			log.Fatal().Err(err).Str("file", arg).Msg("failed to load config file")
		}
	}

	if err := c.AutoDetect(); err != nil {
		log.Fatal().Err(err).Msg("failed to auto-detect transcoder binaries")
	}

	registry := prometheus.NewRegistry()
	metrics := transcoder.NewMetrics(registry)
	manager := transcoder.NewStateManager(c, metrics)
	defer manager.Stop()

	srv := &server{manager: manager}

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", srv.handleCreate)
	mux.HandleFunc("/sessions/", srv.handleSession)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	log.Info().Str("bind", c.Bind).Msg("nightfall listening")
	if err := http.ListenAndServe(c.Bind, mux); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// server is the thin demo HTTP surface described in the design: it
// exposes the state manager's command set over plain REST endpoints.
// It deliberately does not generate a DASH manifest; a real deployment
// is expected to serve the session's own manifest.mpd as a static file
// once its chain finishes warming up.
type server struct {
	manager *transcoder.StateManager
}

type createRequest struct {
	InputPath string `json:"inputPath"`
	Direct    bool   `json:"direct"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Bitrate   int    `json:"bitrate"`
}

type createResponse struct {
	ID string `json:"id"`
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.InputPath == "" {
		http.Error(w, "inputPath is required", http.StatusBadRequest)
		return
	}

	var chain *transcoder.ProfileChain
	if req.Direct {
		chain = transcoder.NewProfileChain(transcoder.NewTransmuxProfile("direct"))
	} else {
		chain = transcoder.NewProfileChain(
			transcoder.NewTranscodeProfile("high", transcoder.EncoderX264, 20),
			transcoder.NewTranscodeProfile("low", transcoder.EncoderX264, 28),
		)
	}

	ctx := &transcoder.ProfileContext{
		InputPath: req.InputPath,
		Width:     req.Width,
		Height:    req.Height,
		Bitrate:   req.Bitrate,
	}

	id, err := s.manager.Create(chain, ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.manager.Start(id); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{ID: id})
}

// handleSession dispatches every /sessions/{id}/... route. Routing is
// done by hand, matching the flat, dependency-free style the rest of
// this surface follows rather than reaching for a router library.
func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method == http.MethodDelete {
			s.handleDie(w, id)
			return
		}
		http.NotFound(w, r)
		return
	}

	switch parts[1] {
	case "init.mp4":
		s.handleInit(w, r, id)
	case "eta":
		if len(parts) < 3 {
			http.NotFound(w, r)
			return
		}
		s.handleEta(w, id, parts[2])
	case "stderr":
		s.handleStderr(w, id)
	case "stdout":
		s.handleStdout(w, id)
	default:
		s.handleChunk(w, r, id, parts[1])
	}
}

func (s *server) handleInit(w http.ResponseWriter, r *http.Request, id string) {
	path, err := s.manager.ChunkInitRequest(id, 0)
	if err != nil {
		if err == transcoder.ErrChunkNotDone {
			http.Error(w, "not ready", http.StatusAccepted)
			return
		}
		writeErr(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *server) handleChunk(w http.ResponseWriter, r *http.Request, id, chunkStr string) {
	chunkStr = strings.TrimSuffix(chunkStr, ".m4s")
	chunk, err := strconv.Atoi(chunkStr)
	if err != nil {
		http.Error(w, "bad chunk number", http.StatusBadRequest)
		return
	}

	path, cerr := s.manager.ChunkRequest(id, chunk)
	if cerr != nil {
		if cerr == transcoder.ErrChunkNotDone {
			http.Error(w, "not ready", http.StatusAccepted)
			return
		}
		writeErr(w, cerr)
		return
	}

	http.ServeFile(w, r, path)
}

func (s *server) handleEta(w http.ResponseWriter, id, chunkStr string) {
	chunk, err := strconv.Atoi(chunkStr)
	if err != nil {
		http.Error(w, "bad chunk number", http.StatusBadRequest)
		return
	}
	seconds, eerr := s.manager.ChunkEta(id, chunk)
	if eerr != nil {
		writeErr(w, eerr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"etaSeconds": seconds})
}

func (s *server) handleStderr(w http.ResponseWriter, id string) {
	text, err := s.manager.GetStderr(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(text))
}

func (s *server) handleStdout(w http.ResponseWriter, id string) {
	rc, err := s.manager.TakeStdout(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	buf := make([]byte, 32*1024)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if rerr != nil {
			return
		}
	}
}

func (s *server) handleDie(w http.ResponseWriter, id string) {
	if err := s.manager.Die(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch err {
	case transcoder.ErrSessionDoesntExist:
		http.Error(w, err.Error(), http.StatusNotFound)
	case transcoder.ErrChunkNotDone:
		http.Error(w, err.Error(), http.StatusAccepted)
	case transcoder.ErrProfileChainExhausted:
		http.Error(w, err.Error(), http.StatusBadGateway)
	case transcoder.ErrAborted:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
