package config

import "time"

// #region simulation

// Simulation is the validated configuration of one Sequencer. It is treated
// as immutable once handed to the Sequencer.
type Simulation struct {
	// AssistantActionLimit selects the paired schedule when positive and the
	// free-running human-only schedule when zero.
	AssistantActionLimit int
	HumanFollowUpCount   int

	TurnInterval    time.Duration
	ActionDelayMin  time.Duration
	ActionDelayMax  time.Duration
	TypingDelayMin  time.Duration
	TypingDelayMax  time.Duration
	PostActionPause time.Duration

	NoiseProbability float64
	NoiseTopK        int
	Temperature      float64
	Epsilon          float64

	// DurationCap and MaxActions bound the free-running schedule. Zero
	// disables either bound.
	DurationCap time.Duration
	MaxActions  int

	CloseOnStop bool
	// AckTimeout is at most 2s; Clamp lowers anything longer.
	AckTimeout    time.Duration
	CommentMarker string
}

// #endregion simulation

// #region raw

// Raw is the sparse form read from YAML files and the environment. Nil
// fields take their defaults in Normalize.
type Raw struct {
	AssistantActionLimit *int     `yaml:"assistant_action_limit,omitempty" json:"assistant_action_limit,omitempty"`
	HumanFollowUpCount   *int     `yaml:"human_follow_up_count,omitempty" json:"human_follow_up_count,omitempty"`
	TurnIntervalMs       *int64   `yaml:"turn_interval_ms,omitempty" json:"turn_interval_ms,omitempty"`
	ActionDelayMinMs     *int64   `yaml:"action_delay_min_ms,omitempty" json:"action_delay_min_ms,omitempty"`
	ActionDelayMaxMs     *int64   `yaml:"action_delay_max_ms,omitempty" json:"action_delay_max_ms,omitempty"`
	TypingDelayMinMs     *int64   `yaml:"typing_delay_min_ms,omitempty" json:"typing_delay_min_ms,omitempty"`
	TypingDelayMaxMs     *int64   `yaml:"typing_delay_max_ms,omitempty" json:"typing_delay_max_ms,omitempty"`
	PostActionPauseMs    *int64   `yaml:"post_action_pause_ms,omitempty" json:"post_action_pause_ms,omitempty"`
	NoiseProbability     *float64 `yaml:"noise_probability,omitempty" json:"noise_probability,omitempty"`
	NoiseTopK            *int     `yaml:"noise_top_k,omitempty" json:"noise_top_k,omitempty"`
	Temperature          *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	Epsilon              *float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	DurationCapMs        *int64   `yaml:"duration_cap_ms,omitempty" json:"duration_cap_ms,omitempty"`
	MaxActions           *int     `yaml:"max_actions,omitempty" json:"max_actions,omitempty"`
	CloseOnStop          *bool    `yaml:"close_on_stop,omitempty" json:"close_on_stop,omitempty"`
	AckTimeoutMs         *int64   `yaml:"ack_timeout_ms,omitempty" json:"ack_timeout_ms,omitempty"`
	CommentMarker        *string  `yaml:"comment_marker,omitempty" json:"comment_marker,omitempty"`
}

// #endregion raw
