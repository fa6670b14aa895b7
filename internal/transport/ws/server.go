package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gonum.org/v1/gonum/mat"

	wlog "worldmodel.ai/internal/persistence/log"
	"worldmodel.ai/internal/persistence/snapshot"
	"worldmodel.ai/internal/protocol"
	"worldmodel.ai/internal/sim/nn"
	"worldmodel.ai/internal/sim/rollout"
	"worldmodel.ai/internal/sim/worldmodel"
)

// Limits bounds request sizes. Zero fields fall back to defaults.
type Limits struct {
	MaxBatch     int
	MaxHorizon   int
	MaxParticles int
	MaxMsgBytes  int64
}

func (l *Limits) normalize() {
	if l.MaxBatch <= 0 {
		l.MaxBatch = 256
	}
	if l.MaxHorizon <= 0 {
		l.MaxHorizon = 200
	}
	if l.MaxParticles <= 0 {
		l.MaxParticles = 64
	}
	if l.MaxMsgBytes <= 0 {
		l.MaxMsgBytes = 8 << 20
	}
}

// Server answers PREDICT and ROLLOUT requests against one model. Every
// request is handled inline on its connection; concurrent connections
// share the model through its own read lock.
type Server struct {
	model *worldmodel.Model
	log   *log.Logger
	lim   Limits

	digest string

	traj *wlog.TrajectoryLogger

	upgrader websocket.Upgrader
}

func NewServer(m *worldmodel.Model, logger *log.Logger, lim Limits) *Server {
	lim.normalize()
	s := &Server{
		model:  m,
		log:    logger,
		lim:    lim,
		digest: snapshot.Digest(*m.Export()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

// SetTrajectoryLogger attaches an optional rollout summary log.
func (s *Server) SetTrajectoryLogger(l *wlog.TrajectoryLogger) { s.traj = l }

func (s *Server) modelInfo() protocol.ModelInfo {
	cfg := s.model.Config()
	return protocol.ModelInfo{
		ID:             cfg.ID,
		Version:        s.model.Version(),
		Digest:         s.digest,
		ObsDim:         cfg.ObsDim,
		ActDim:         cfg.ActDim,
		Ensembles:      cfg.Ensembles,
		Adapted:        s.model.Adapted(),
		FuseReward:     cfg.FuseReward,
		HasRewardFn:    cfg.RewardFn != nil,
		HasTerminateFn: cfg.TerminateFn != nil,
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(s.lim.MaxMsgBytes)

		session := s.handshake(conn)
		if session == "" {
			return
		}

		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.sendError(conn, "", protocol.ErrProtoBadRequest, "malformed JSON")
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				s.sendError(conn, base.ID, protocol.ErrProtoBadRequest,
					fmt.Sprintf("protocol_version %q, want %q", base.ProtocolVersion, protocol.Version))
				continue
			}
			switch base.Type {
			case protocol.TypePredict:
				s.handlePredict(conn, msg, base.ID)
			case protocol.TypeRollout:
				s.handleRollout(conn, session, msg, base.ID)
			default:
				s.sendError(conn, base.ID, protocol.ErrProtoBadRequest,
					fmt.Sprintf("unexpected message type %q", base.Type))
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return ""
	}

	session := uuid.NewString()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       session,
		Model:           s.modelInfo(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		return ""
	}
	return session
}

func (s *Server) handlePredict(conn *websocket.Conn, msg []byte, id string) {
	var req protocol.PredictMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		s.sendError(conn, id, protocol.ErrProtoBadRequest, "malformed PREDICT")
		return
	}
	if len(req.Obs) == 0 {
		s.sendError(conn, req.ID, protocol.ErrShapeMismatch, "empty obs batch")
		return
	}
	if len(req.Obs) > s.lim.MaxBatch {
		s.sendError(conn, req.ID, protocol.ErrLimit,
			fmt.Sprintf("batch %d exceeds limit %d", len(req.Obs), s.lim.MaxBatch))
		return
	}
	if len(req.Act) != len(req.Obs) {
		s.sendError(conn, req.ID, protocol.ErrShapeMismatch,
			fmt.Sprintf("%d obs rows but %d act rows", len(req.Obs), len(req.Act)))
		return
	}
	obs, err := denseFromRows(req.Obs)
	if err != nil {
		s.sendError(conn, req.ID, protocol.ErrShapeMismatch, err.Error())
		return
	}
	act, err := denseFromRows(req.Act)
	if err != nil {
		s.sendError(conn, req.ID, protocol.ErrShapeMismatch, err.Error())
		return
	}

	pred, err := s.model.PredictOnBatch(obs, act, req.Sample)
	if err != nil {
		code, m := mapModelError(err)
		s.sendError(conn, req.ID, code, m)
		return
	}
	resp := protocol.PredictResultMsg{
		Type:            protocol.TypePredictResult,
		ProtocolVersion: protocol.Version,
		ID:              req.ID,
		ModelVersion:    s.model.Version(),
		NextObs:         rowsFromDense(pred.Next),
		Reward:          sliceFromVec(pred.Reward),
		Done:            pred.Done,
	}
	if err := writeJSON(conn, resp); err != nil {
		s.log.Printf("write predict result: %v", err)
	}
}

func (s *Server) handleRollout(conn *websocket.Conn, session string, msg []byte, id string) {
	var req protocol.RolloutMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		s.sendError(conn, id, protocol.ErrProtoBadRequest, "malformed ROLLOUT")
		return
	}
	if req.Horizon < 1 || req.Particles < 1 {
		s.sendError(conn, req.ID, protocol.ErrBadRequest, "horizon and particles must be at least 1")
		return
	}
	n := len(req.InitialStates)
	if n == 0 {
		s.sendError(conn, req.ID, protocol.ErrShapeMismatch, "empty initial state batch")
		return
	}
	if n > s.lim.MaxBatch || req.Horizon > s.lim.MaxHorizon || req.Particles > s.lim.MaxParticles {
		s.sendError(conn, req.ID, protocol.ErrLimit,
			fmt.Sprintf("request exceeds limits (batch %d/%d, horizon %d/%d, particles %d/%d)",
				n, s.lim.MaxBatch, req.Horizon, s.lim.MaxHorizon, req.Particles, s.lim.MaxParticles))
		return
	}
	if len(req.Actions) != n {
		s.sendError(conn, req.ID, protocol.ErrShapeMismatch,
			fmt.Sprintf("%d action sequences for %d initial states", len(req.Actions), n))
		return
	}
	initial, err := denseFromRows(req.InitialStates)
	if err != nil {
		s.sendError(conn, req.ID, protocol.ErrShapeMismatch, err.Error())
		return
	}
	actions, err := actionSteps(req.Actions, req.Horizon)
	if err != nil {
		s.sendError(conn, req.ID, protocol.ErrShapeMismatch, err.Error())
		return
	}

	eng, err := s.model.BuildRollout(req.Horizon, req.Particles, nil)
	if err != nil {
		code, m := mapModelError(err)
		s.sendError(conn, req.ID, code, m)
		return
	}
	tr, err := eng.Run(initial, actions)
	if err != nil {
		code, m := mapModelError(err)
		s.sendError(conn, req.ID, code, m)
		return
	}

	if err := writeJSON(conn, rolloutResult(req.ID, s.model.Version(), tr)); err != nil {
		s.log.Printf("write rollout result: %v", err)
		return
	}
	if s.traj != nil {
		e := wlog.Summarize(tr, s.model.Version())
		e.Session = session
		if err := s.traj.WriteTrajectory(e); err != nil {
			s.log.Printf("trajectory log: %v", err)
		}
	}
}

func (s *Server) sendError(conn *websocket.Conn, id, code, message string) {
	msg := protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Code:            code,
		Message:         message,
	}
	if err := writeJSON(conn, msg); err != nil {
		s.log.Printf("write error reply: %v", err)
	}
}

func mapModelError(err error) (code, message string) {
	var shapeErr *nn.ShapeError
	var cfgErr *nn.ConfigError
	switch {
	case errors.Is(err, worldmodel.ErrNotAdapted):
		return protocol.ErrNotAdapted, err.Error()
	case errors.As(err, &shapeErr):
		return protocol.ErrShapeMismatch, err.Error()
	case errors.As(err, &cfgErr):
		return protocol.ErrBadRequest, err.Error()
	default:
		return protocol.ErrInternal, err.Error()
	}
}

func rolloutResult(id string, version uint64, tr *rollout.Trajectory) protocol.RolloutResultMsg {
	states := make([][][][]float64, tr.Batch)
	rewards := make([][][]float64, tr.Batch)
	dones := make([][][]bool, tr.Batch)
	for n := 0; n < tr.Batch; n++ {
		states[n] = make([][][]float64, tr.Particles)
		rewards[n] = make([][]float64, tr.Particles)
		dones[n] = make([][]bool, tr.Particles)
		for p := 0; p < tr.Particles; p++ {
			st := make([][]float64, tr.Horizon)
			rw := make([]float64, tr.Horizon)
			dn := make([]bool, tr.Horizon)
			for t := 0; t < tr.Horizon; t++ {
				st[t] = tr.StateAt(n, p, t)
				rw[t] = tr.RewardAt(n, p, t)
				dn[t] = tr.DoneAt(n, p, t)
			}
			states[n][p] = st
			rewards[n][p] = rw
			dones[n][p] = dn
		}
	}
	return protocol.RolloutResultMsg{
		Type:            protocol.TypeRolloutResult,
		ProtocolVersion: protocol.Version,
		ID:              id,
		ModelVersion:    version,
		States:          states,
		Rewards:         rewards,
		Dones:           dones,
		MeanReturn:      tr.MeanReturn(),
	}
}

func denseFromRows(rows [][]float64) (*mat.Dense, error) {
	width := len(rows[0])
	if width == 0 {
		return nil, fmt.Errorf("row 0 is empty")
	}
	out := mat.NewDense(len(rows), width, nil)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("row %d has width %d, want %d", i, len(r), width)
		}
		copy(out.RawRowView(i), r)
	}
	return out, nil
}

func rowsFromDense(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := 0; i < r; i++ {
		row := make([]float64, c)
		copy(row, m.RawRowView(i))
		out[i] = row
	}
	return out
}

func sliceFromVec(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

// actionSteps turns per-state action sequences into the per-step
// matrices the engine consumes.
func actionSteps(seqs [][][]float64, horizon int) ([]*mat.Dense, error) {
	n := len(seqs)
	dim := 0
	for i, seq := range seqs {
		if len(seq) != horizon {
			return nil, fmt.Errorf("action sequence %d has %d steps, want %d", i, len(seq), horizon)
		}
		for t, a := range seq {
			if dim == 0 {
				dim = len(a)
			}
			if len(a) == 0 || len(a) != dim {
				return nil, fmt.Errorf("action[%d][%d] has width %d, want %d", i, t, len(a), dim)
			}
		}
	}
	out := make([]*mat.Dense, horizon)
	for t := 0; t < horizon; t++ {
		m := mat.NewDense(n, dim, nil)
		for i := 0; i < n; i++ {
			copy(m.RawRowView(i), seqs[i][t])
		}
		out[t] = m
	}
	return out, nil
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
