package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	SessionID       string    `json:"session_id"`
	Model           ModelInfo `json:"model"`
}

// ModelInfo pins the served model for a session.
type ModelInfo struct {
	ID             string `json:"id"`
	Version        uint64 `json:"version"`
	Digest         string `json:"digest"`
	ObsDim         int    `json:"obs_dim"`
	ActDim         int    `json:"act_dim"`
	Ensembles      int    `json:"ensembles"`
	Adapted        bool   `json:"adapted"`
	FuseReward     bool   `json:"fuse_reward,omitempty"`
	HasRewardFn    bool   `json:"has_reward_fn,omitempty"`
	HasTerminateFn bool   `json:"has_terminate_fn,omitempty"`
}

// PREDICT (client -> server): one-step prediction for a batch of
// (obs, act) rows.
type PredictMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ID              string      `json:"id"`
	Obs             [][]float64 `json:"obs"`
	Act             [][]float64 `json:"act"`
	Sample          bool        `json:"sample,omitempty"`
}

// PREDICT_RESULT (server -> client)
type PredictResultMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ID              string      `json:"id"`
	ModelVersion    uint64      `json:"model_version"`
	NextObs         [][]float64 `json:"next_obs"`
	Reward          []float64   `json:"reward"`
	Done            []bool      `json:"done"`
}

// ROLLOUT (client -> server): teacher-forced rollout. Actions holds one
// per-step action sequence per initial state: actions[n][t] is applied
// to every particle of state n at step t.
type RolloutMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	ID              string        `json:"id"`
	Horizon         int           `json:"horizon"`
	Particles       int           `json:"particles"`
	InitialStates   [][]float64   `json:"initial_states"`
	Actions         [][][]float64 `json:"actions"`
}

// ROLLOUT_RESULT (server -> client). States is indexed
// [batch][particle][step][obs_dim]; Rewards and Dones drop the last
// axis.
type RolloutResultMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ID              string          `json:"id"`
	ModelVersion    uint64          `json:"model_version"`
	States          [][][][]float64 `json:"states"`
	Rewards         [][][]float64   `json:"rewards"`
	Dones           [][][]bool      `json:"dones"`
	MeanReturn      float64         `json:"mean_return"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
