package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	nsfw "github.com/afroximity/nsfw_ondevice"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type AppState struct {
	Classifier *nsfw.Classifier
	Logger     logrus.FieldLogger
}

type ClassifyResponse struct {
	Label         string    `json:"label"`
	Unsafe        float64   `json:"unsafe"`
	Probabilities []float64 `json:"probabilities"`
	Logits        []float32 `json:"logits"`
	DurationMs    float64   `json:"duration_ms"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	flag.Parse()

	cfg := nsfw.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = nsfw.LoadConfig(*configPath); err != nil {
			logrus.Fatalf("unable to load config: %v", err)
		}
	}
	logger := cfg.Logger()

	classifier, err := nsfw.New(cfg, nsfw.WithLogger(logger))
	if err != nil {
		logger.Fatalf("unable to create classifier: %v", err)
	}
	defer classifier.Close()

	// warm up in the background; /ready reports the outcome
	go func() {
		ready, err := classifier.WaitForReady(context.Background())
		if err != nil || !ready.Success {
			logger.Errorf("model failed to load: %v %s", err, ready.Error)
			return
		}
		logger.Infof("model ready on %s", ready.Backend)
	}()

	state := &AppState{Classifier: classifier, Logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/classify", state.handleClassify).Methods("POST")
	r.HandleFunc("/ready", state.handleReady).Methods("GET")
	r.HandleFunc("/stats", state.handleStats).Methods("GET")

	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	logger.Infof("Starting server on %s", srv.Addr)
	logger.Fatal(srv.ListenAndServe())
}

func (s *AppState) handleClassify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	t, err := nsfw.DecodeImageTensor(file)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
		return
	}

	res, err := s.Classifier.Classify(r.Context(), t)
	switch {
	case errors.Is(err, nsfw.ErrNotReady):
		sendErrorResponse(w, "not_ready", err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.Logger.Errorf("classify: %v", err)
		sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
		return
	}

	sendJSON(w, http.StatusOK, ClassifyResponse{
		Label:         res.Label,
		Unsafe:        res.Unsafe(),
		Probabilities: res.Probabilities,
		Logits:        res.Logits,
		DurationMs:    float64(res.Duration) / float64(time.Millisecond),
	})
}

func (s *AppState) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
	defer cancel()

	ready, err := s.Classifier.WaitForReady(ctx)
	if err != nil {
		sendJSON(w, http.StatusServiceUnavailable, map[string]string{"state": s.Classifier.State().String()})
		return
	}
	status := http.StatusOK
	if !ready.Success {
		status = http.StatusServiceUnavailable
	}
	sendJSON(w, status, ready)
}

func (s *AppState) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Classifier.Stats(r.Context())
	if err != nil {
		sendErrorResponse(w, "stats_error", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	sendJSON(w, status, ErrorResponse{Code: code, Message: message})
}
