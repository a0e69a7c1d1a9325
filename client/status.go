package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// StatusServer 本地状态接口，便于观察正在进行的对局
// GET /healthz  会话未失败时返回 ok
// GET /metrics  返回当前会话的状态与指标
type StatusServer struct {
	srv *http.Server
	mgr *ConnectionManager
}

func NewStatusServer(addr string, mgr *ConnectionManager) *StatusServer {
	s := &StatusServer{mgr: mgr}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve 运行到 ctx 结束。监听失败只记录日志，不影响对局。
func (s *StatusServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		Log.Infof("status listening on %s", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			Log.Warnf("status listen: %v", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		Log.Warnf("status shutdown: %v", err)
	}
	return nil
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if sess := s.mgr.Current(); sess != nil && sess.State() == StateFailed {
		http.Error(w, "session failed", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *StatusServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload := map[string]any{"state": "idle"}
	if sess := s.mgr.Current(); sess != nil {
		payload = map[string]any{
			"session": sess.ID(),
			"state":   sess.State().String(),
			"metrics": sess.Metrics().Snapshot(),
		}
		if err := sess.Err(); err != nil {
			payload["error"] = err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
