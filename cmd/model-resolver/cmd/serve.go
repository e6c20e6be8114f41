package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"model-resolver/internal/resolver"
)

var serveAddrFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the resolution API over HTTP",
	Long: `Serve exposes the resolver to embedding hosts:

  POST /resolve            {"model_name": "...", "node_type": "...", "session_id": "..."}
  GET  /progress/{session} current session state
  POST /cancel/{session}   request cooperative cancellation`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddrFlag, "addr", ":8188", "Listen address")
	rootCmd.AddCommand(serveCmd)
}

type resolveRequest struct {
	ModelName string `json:"model_name"`
	NodeType  string `json:"node_type,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /resolve", func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ModelName == "" {
			http.Error(w, "model_name is required", http.StatusBadRequest)
			return
		}
		if req.SessionID == "" {
			req.SessionID = fmt.Sprintf("srv-%d", time.Now().UnixNano())
		}

		go func() {
			res := app.resolver.Resolve(context.Background(), resolver.Request{
				ModelName: req.ModelName,
				NodeType:  req.NodeType,
				SessionID: req.SessionID,
				Overwrite: req.Overwrite,
			})
			if res.Err != nil {
				log.WithError(res.Err).Warnf("Resolution %s failed", req.SessionID)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": req.SessionID})
	})

	mux.HandleFunc("GET /progress/{session}", func(w http.ResponseWriter, r *http.Request) {
		state := app.store.Get(r.PathValue("session"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(state)
	})

	mux.HandleFunc("POST /cancel/{session}", func(w http.ResponseWriter, r *http.Request) {
		session := r.PathValue("session")
		app.cancels.Cancel(session)
		log.Infof("Cancellation requested for session %s", session)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "cancellation requested"})
	})

	server := &http.Server{Addr: serveAddrFlag, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Serving resolution API on %s", serveAddrFlag)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
