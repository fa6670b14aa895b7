package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"worldmodel.ai/internal/protocol"
)

// A random shooting planner: every control step it asks the server to
// roll out K candidate action sequences from the current state, keeps
// the one with the best mean return and advances through a PREDICT.
func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "planner", "client name")
		steps      = flag.Int("steps", 10, "control steps to plan")
		candidates = flag.Int("candidates", 64, "candidate action sequences per step")
		horizon    = flag.Int("horizon", 15, "planning horizon")
		particles  = flag.Int("particles", 4, "particles per candidate")
		actBound   = flag.Float64("act_bound", 1, "half-width of the action range")
		seed       = flag.Int64("seed", 1, "rng seed for proposals and the start state")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[planner] ", log.LstdFlags|log.Lmicroseconds)
	rng := rand.New(rand.NewSource(*seed))

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := readReply(conn, protocol.TypeWelcome, &welcome); err != nil {
		logger.Fatalf("read WELCOME: %v", err)
	}
	info := welcome.Model
	logger.Printf("WELCOME session=%s model=%s version=%d dims=(%d,%d) members=%d adapted=%v",
		welcome.SessionID, info.ID, info.Version, info.ObsDim, info.ActDim, info.Ensembles, info.Adapted)
	if !info.Adapted {
		logger.Fatalf("served model is not adapted")
	}

	state := make([]float64, info.ObsDim)
	for j := range state {
		state[j] = rng.Float64()*2 - 1
	}

	for step := 0; step < *steps; step++ {
		req := protocol.RolloutMsg{
			Type:            protocol.TypeRollout,
			ProtocolVersion: protocol.Version,
			ID:              fmt.Sprintf("r-%d", step),
			Horizon:         *horizon,
			Particles:       *particles,
			InitialStates:   repeatState(state, *candidates),
			Actions:         randomSequences(rng, *candidates, *horizon, info.ActDim, *actBound),
		}
		if err := conn.WriteJSON(req); err != nil {
			logger.Fatalf("send ROLLOUT: %v", err)
		}
		var res protocol.RolloutResultMsg
		if err := readReply(conn, protocol.TypeRolloutResult, &res); err != nil {
			logger.Fatalf("read ROLLOUT_RESULT: %v", err)
		}

		best, bestReturn := pickBest(res.Rewards)
		logger.Printf("step=%d best_candidate=%d return=%.4f action=%v",
			step, best, bestReturn, req.Actions[best][0])

		pre := protocol.PredictMsg{
			Type:            protocol.TypePredict,
			ProtocolVersion: protocol.Version,
			ID:              fmt.Sprintf("p-%d", step),
			Obs:             [][]float64{state},
			Act:             [][]float64{req.Actions[best][0]},
		}
		if err := conn.WriteJSON(pre); err != nil {
			logger.Fatalf("send PREDICT: %v", err)
		}
		var next protocol.PredictResultMsg
		if err := readReply(conn, protocol.TypePredictResult, &next); err != nil {
			logger.Fatalf("read PREDICT_RESULT: %v", err)
		}
		state = next.NextObs[0]
		if len(next.Done) > 0 && next.Done[0] {
			logger.Printf("step=%d predicted terminal state, stopping", step)
			return
		}
	}
}

// readReply reads one message and decodes it into v, turning ERROR
// replies and unexpected types into errors.
func readReply(conn *websocket.Conn, wantType string, v any) error {
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	if base.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return err
		}
		return fmt.Errorf("server error %s: %s", e.Code, e.Message)
	}
	if base.Type != wantType {
		return fmt.Errorf("got %s, want %s", base.Type, wantType)
	}
	return json.Unmarshal(msg, v)
}

func repeatState(state []float64, n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = append([]float64(nil), state...)
	}
	return out
}

func randomSequences(rng *rand.Rand, n, horizon, actDim int, bound float64) [][][]float64 {
	out := make([][][]float64, n)
	for i := range out {
		seq := make([][]float64, horizon)
		for t := range seq {
			a := make([]float64, actDim)
			for j := range a {
				a[j] = (rng.Float64()*2 - 1) * bound
			}
			seq[t] = a
		}
		out[i] = seq
	}
	return out
}

// pickBest averages each candidate's particle returns and returns the
// argmax.
func pickBest(rewards [][][]float64) (int, float64) {
	best, bestReturn := 0, 0.0
	for k, particles := range rewards {
		sum := 0.0
		for _, rw := range particles {
			for _, r := range rw {
				sum += r
			}
		}
		mean := sum / float64(len(particles))
		if k == 0 || mean > bestReturn {
			best, bestReturn = k, mean
		}
	}
	return best, bestReturn
}
