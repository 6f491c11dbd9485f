package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/procwise/pidloop/internal/pid"
	"github.com/procwise/pidloop/internal/ports"
)

type Server struct {
	svc      ports.LoopService
	srv      *http.Server
	deviceID string
}

// New returns a runnable server.
func New(svc ports.LoopService, addr string, deviceID string) *Server {
	mux := http.NewServeMux()
	s := &Server{svc: svc, deviceID: deviceID}

	// Read
	mux.HandleFunc("GET /v1", s.handleGet)

	// Write: one endpoint per variable
	mux.HandleFunc("POST /v1/setpoint", s.handlePostSetpoint)
	mux.HandleFunc("POST /v1/process_value", s.handlePostProcessValue)
	mux.HandleFunc("POST /v1/tieback", s.handlePostTieback)
	mux.HandleFunc("POST /v1/manual", s.handlePostManual)
	mux.HandleFunc("POST /v1/gains", s.handlePostGains)
	mux.HandleFunc("POST /v1/deadband", s.handlePostDeadband)
	mux.HandleFunc("POST /v1/output_limits", s.handlePostOutputLimits)
	mux.HandleFunc("POST /v1/setpoint_limits", s.handlePostSetpointLimits)
	mux.HandleFunc("POST /v1/process_limits", s.handlePostProcessLimits)
	mux.HandleFunc("POST /v1/min_interval", s.handlePostMinInterval)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- DTOs ----

type snapshotDTO struct {
	DeviceID        string    `json:"device_id"`
	ProcessValue    float64   `json:"process_value"`
	Setpoint        float64   `json:"setpoint"`
	Tieback         float64   `json:"tieback"`
	Output          float64   `json:"output"`
	Manual          bool      `json:"manual"`
	Gains           gainsDTO  `json:"gains"`
	Deadband        float64   `json:"deadband"`
	DeadbandOn      bool      `json:"deadband_enabled"`
	ProcessLimits   limitsDTO `json:"process_limits"`
	SetpointLimits  limitsDTO `json:"setpoint_limits"`
	OutputLimits    limitsDTO `json:"output_limits"`
	MinIntervalUsec uint64    `json:"min_interval_us"`
}

type gainsDTO struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// limitsDTO represents an unbounded side as null; ±Inf is not valid JSON.
type limitsDTO struct {
	Low  *float64 `json:"low"`
	High *float64 `json:"high"`
}

func toLimitsDTO(l pid.Limits) limitsDTO {
	var dto limitsDTO
	if !math.IsInf(l.Low, -1) {
		low := l.Low
		dto.Low = &low
	}
	if !math.IsInf(l.High, 1) {
		high := l.High
		dto.High = &high
	}
	return dto
}

func (dto limitsDTO) bounds() (low, high float64) {
	low, high = math.Inf(-1), math.Inf(1)
	if dto.Low != nil {
		low = *dto.Low
	}
	if dto.High != nil {
		high = *dto.High
	}
	return low, high
}

type deadbandDTO struct {
	Deadband float64 `json:"deadband"`
	Enabled  bool    `json:"enabled"`
}

// ---- Handlers ----

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w)
}

func (s *Server) handlePostSetpoint(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		return s.svc.SetSetpoint(v)
	})
}

func (s *Server) handlePostProcessValue(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		s.svc.SetProcessValue(v)
		return nil
	})
}

func (s *Server) handlePostTieback(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		s.svc.SetTieback(v)
		return nil
	})
}

func (s *Server) handlePostManual(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v bool) error {
		s.svc.SetManual(v)
		return nil
	})
}

func (s *Server) handlePostGains(w http.ResponseWriter, r *http.Request) {
	// body: {"value": {"kp": 1, "ki": 0.5, "kd": 0}}
	postValue(s, w, r, func(v gainsDTO) error {
		return s.svc.SetGains(pid.Gains{Kp: v.Kp, Ki: v.Ki, Kd: v.Kd})
	})
}

func (s *Server) handlePostDeadband(w http.ResponseWriter, r *http.Request) {
	// body: {"value": {"deadband": 0.5, "enabled": true}}
	postValue(s, w, r, func(v deadbandDTO) error {
		return s.svc.SetDeadband(v.Deadband, v.Enabled)
	})
}

func (s *Server) handlePostOutputLimits(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v limitsDTO) error {
		low, high := v.bounds()
		return s.svc.SetOutputLimits(low, high)
	})
}

func (s *Server) handlePostSetpointLimits(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v limitsDTO) error {
		low, high := v.bounds()
		return s.svc.SetSetpointLimits(low, high)
	})
}

func (s *Server) handlePostProcessLimits(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v limitsDTO) error {
		low, high := v.bounds()
		return s.svc.SetProcessLimits(low, high)
	})
}

func (s *Server) handlePostMinInterval(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v uint64) error {
		return s.svc.SetMinInterval(v)
	})
}

// ---- generic helpers ----

func (s *Server) respondSnapshot(w http.ResponseWriter) {
	snap := s.svc.Get()
	dto := snapshotDTO{
		DeviceID:        s.deviceID,
		ProcessValue:    snap.ProcessValue,
		Setpoint:        snap.Setpoint,
		Tieback:         snap.Tieback,
		Output:          snap.Output,
		Manual:          snap.Manual,
		Gains:           gainsDTO{Kp: snap.Gains.Kp, Ki: snap.Gains.Ki, Kd: snap.Gains.Kd},
		Deadband:        snap.Deadband,
		DeadbandOn:      snap.DeadbandOn,
		ProcessLimits:   toLimitsDTO(snap.ProcessLimits),
		SetpointLimits:  toLimitsDTO(snap.SetpointLimits),
		OutputLimits:    toLimitsDTO(snap.OutputLimits),
		MinIntervalUsec: snap.MinInterval,
	}
	writeJSON(w, http.StatusOK, dto)
}

func postValue[T any](s *Server, w http.ResponseWriter, r *http.Request, apply func(T) error) {
	dec := json.NewDecoder(r.Body)
	var req struct {
		Value *T `json:"value"`
	}
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'value'")
		return
	}

	if err := apply(*req.Value); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondSnapshot(w)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
