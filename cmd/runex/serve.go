package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkarlsen/runex/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for code execution",
	Long: `Start an HTTP server that provides REST endpoints for code execution.

Endpoints:
  POST   /execute       Execute code
  POST   /cancel/{id}   Cancel a running execution by correlation id
  POST   /undo          Revert the last completed execution
  GET    /stats         Execution statistics
  GET    /health        Health check`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(serveCmd)
}

type executeRequest struct {
	Code          string         `json:"code"`
	EntryPoint    string         `json:"entry_point,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Timeout       string         `json:"timeout,omitempty"`
	CompileOnly   bool           `json:"compile_only,omitempty"`
	Parallel      bool           `json:"parallel,omitempty"`
	Wait          bool           `json:"wait,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

type executeResponse struct {
	Success       bool     `json:"success"`
	Value         string   `json:"value,omitempty"`
	Error         string   `json:"error,omitempty"`
	Cancelled     bool     `json:"cancelled,omitempty"`
	CompileOnly   bool     `json:"compile_only,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
	CorrelationID string   `json:"correlation_id"`
	Logs          []string `json:"logs,omitempty"`
	Diagnostics   []string `json:"diagnostics,omitempty"`
	Violations    []string `json:"violations,omitempty"`
}

type statsResponse struct {
	Total             int64   `json:"total"`
	Succeeded         int64   `json:"succeeded"`
	Failed            int64   `json:"failed"`
	Violations        int64   `json:"violations"`
	CompileErrors     int64   `json:"compile_errors"`
	AverageDurationMs float64 `json:"average_duration_ms"`
	Running           int     `json:"running"`
}

func newServeMux(eng *engine.Engine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Code == "" {
			http.Error(w, "code required", http.StatusBadRequest)
			return
		}

		var runOpts []engine.RunOption
		if req.EntryPoint != "" {
			runOpts = append(runOpts, engine.WithEntryPoint(req.EntryPoint))
		}
		if req.Params != nil {
			runOpts = append(runOpts, engine.WithParams(req.Params))
		}
		if req.Timeout != "" {
			d, err := time.ParseDuration(req.Timeout)
			if err != nil {
				http.Error(w, "invalid timeout", http.StatusBadRequest)
				return
			}
			runOpts = append(runOpts, engine.WithTimeout(d))
		}
		if req.CompileOnly {
			runOpts = append(runOpts, engine.WithCompileOnly())
		}
		if req.Parallel {
			runOpts = append(runOpts, engine.WithParallel())
		}
		if req.CorrelationID != "" {
			runOpts = append(runOpts, engine.WithCorrelationID(req.CorrelationID))
		}

		var result engine.Result
		if req.Wait {
			result = eng.RunWait(r.Context(), req.Code, runOpts...)
		} else {
			result = eng.Run(r.Context(), req.Code, runOpts...)
		}

		resp := executeResponse{
			Success:       result.Success,
			Value:         result.Value,
			Error:         result.Error,
			Cancelled:     result.Cancelled,
			CompileOnly:   result.CompileOnly,
			DurationMs:    result.Duration.Milliseconds(),
			CorrelationID: result.CorrelationID,
			Logs:          result.Logs,
		}
		for _, d := range result.Diagnostics {
			resp.Diagnostics = append(resp.Diagnostics, d.String())
		}
		for _, v := range result.Violations {
			resp.Violations = append(resp.Violations, v.Error())
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/cancel/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/cancel/")
		if id == "" {
			http.Error(w, "correlation_id required", http.StatusBadRequest)
			return
		}
		if !eng.Cancel(id) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/undo", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name, ok := eng.Undo()
		if !ok {
			http.Error(w, "nothing to undo", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"reverted": name})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s := eng.Statistics()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statsResponse{
			Total:             s.Total,
			Succeeded:         s.Succeeded,
			Failed:            s.Failed,
			Violations:        s.Violations,
			CompileErrors:     s.CompileErrors,
			AverageDurationMs: float64(s.AverageDuration) / float64(time.Millisecond),
			Running:           eng.Running(),
		})
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")

	_, eng, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer eng.Close()
	defer logger.Sync()

	mux := newServeMux(eng)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("server listening", zap.String("addr", server.Addr))
	fmt.Fprintf(os.Stderr, "runex server listening on %s\n", server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// In-flight executions are cancelled; the server drains briefly.
	eng.CancelAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
